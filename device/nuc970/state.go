package nuc970

// Medium is the storage backend selected by set-burn-type.
type Medium uint8

const (
	MediumNone Medium = iota
	MediumSDRAM
	MediumNAND
	MediumNANDRaw
	MediumMMC
	MediumMMCRaw
	MediumSPI
	MediumSPIRaw
	MediumMTP
	MediumInfo
)

var mediumNames = [...]string{
	MediumNone:    "none",
	MediumSDRAM:   "sdram",
	MediumNAND:    "nand",
	MediumNANDRaw: "nand-raw",
	MediumMMC:     "mmc",
	MediumMMCRaw:  "mmc-raw",
	MediumSPI:     "spi",
	MediumSPIRaw:  "spi-raw",
	MediumMTP:     "mtp",
	MediumInfo:    "info",
}

func (m Medium) String() string {
	if int(m) < len(mediumNames) {
		return mediumNames[m]
	}
	return "unknown"
}

// MarshalText lets snapshots and trace rows carry the medium name.
func (m Medium) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

var burnTypes = map[uint16]Medium{
	BurnTypeBase + CodeSDRAM:   MediumSDRAM,
	BurnTypeBase + CodeNAND:    MediumNAND,
	BurnTypeBase + CodeNANDRaw: MediumNANDRaw,
	BurnTypeBase + CodeMMC:     MediumMMC,
	BurnTypeBase + CodeMMCRaw:  MediumMMCRaw,
	BurnTypeBase + CodeSPI:     MediumSPI,
	BurnTypeBase + CodeSPIRaw:  MediumSPIRaw,
	BurnTypeBase + CodeMTP:     MediumMTP,
	BurnTypeBase + CodeInfo:    MediumInfo,
}

// MediumForBurnType maps a set-burn-type wValue to its medium.
func MediumForBurnType(value uint16) (Medium, bool) {
	m, ok := burnTypes[value]
	return m, ok
}

// State is what the firmware remembers between requests of one attach.
type State struct {
	Medium      Medium
	BulkOutSize uint32

	buf       []byte
	byteCount int

	LineCoding LineCoding
	LineState  uint16
}

func newState(bufSize int) State {
	return State{buf: make([]byte, bufSize), LineCoding: DefaultLineCoding}
}

// ByteCount is the size of the last OUT transfer still held.
func (s *State) ByteCount() int { return s.byteCount }

// Held returns the bytes of the last OUT transfer.
func (s *State) Held() []byte { return s.buf[:s.byteCount] }

func (s *State) store(data []byte) {
	s.byteCount = copy(s.buf, data)
}

func (s *State) release() { s.byteCount = 0 }

func (s *State) reset() {
	*s = State{buf: s.buf, LineCoding: DefaultLineCoding}
}
