package nuc970

import (
	"fmt"

	"github.com/Alia5/nucusbd/usb"
)

// NumEndpoints is the number of configurable endpoints (A..L).
const NumEndpoints = 12

// Register offsets from the USBD base address.
const (
	RegGINTSTS   = 0x00
	RegGINTEN    = 0x08
	RegBUSINTSTS = 0x10
	RegBUSINTEN  = 0x14
	RegOPER      = 0x18
	RegFRAMECNT  = 0x1C
	RegFADDR     = 0x20
	RegTEST      = 0x24
	RegCEPDAT    = 0x28
	RegCEPCTL    = 0x2C
	RegCEPINTEN  = 0x30
	RegCEPINTSTS = 0x34
	RegCEPTXCNT  = 0x38
	RegCEPRXCNT  = 0x3C
	RegCEPDATCNT = 0x40
	RegSETUP1_0  = 0x44
	RegSETUP3_2  = 0x48
	RegSETUP5_4  = 0x4C
	RegSETUP7_6  = 0x50
	RegCEPBUFST  = 0x54
	RegCEPBUFEND = 0x58
	RegDMACTL    = 0x5C
	RegDMACNT    = 0x60
	RegEPBase    = 0x64
	RegEPStride  = 0x28
	RegDMAADDR   = 0x700
	RegPHYCTL    = 0x704
)

// Per-endpoint register offsets relative to the endpoint's base.
const (
	EPDAT    = 0x00
	EPINTSTS = 0x04
	EPINTEN  = 0x08
	EPDATCNT = 0x0C
	EPRSPCTL = 0x10
	EPMPS    = 0x14
	EPTXCNT  = 0x18
	EPCFG    = 0x1C
	EPBUFST  = 0x20
	EPBUFEND = 0x24
)

// Hardware endpoint indices.
const (
	EPA = 0
	EPB = 1
)

// Register values written by the emulated firmware.
const (
	CEPNakClear         = 0x00
	CEPNak              = 0x01 // set by hardware when a SETUP packet arrives
	CEPIntSetupHandled  = 0x400
	CEPIntSetupStatusIn = 0x408
	DMACtlBusy          = 0x80
	DMACtlIdle          = 0x00
	EPRspFlush          = 0x01
)

// EndpointRegs is the register group of one configurable endpoint.
type EndpointRegs struct {
	Dat      uint32 // Data
	IntSts   uint32 // Interrupt Status
	IntEn    uint32 // Interrupt Enable
	DatCnt   uint32 // Data Available Count
	RspCtl   uint32 // Response Control
	MPS      uint32 // Maximum Packet Size
	TxCnt    uint32 // Transfer Count
	Cfg      uint32 // Configuration
	BufStart uint32 // RAM Start Address
	BufEnd   uint32 // RAM End Address
}

// Registers mirrors the USBD register file. The zero value is the reset
// state.
type Registers struct {
	GIntSts   uint32
	GIntEn    uint32
	BusIntSts uint32
	BusIntEn  uint32
	Oper      uint32
	FrameCnt  uint32
	FAddr     uint32
	Test      uint32

	CEPDat      uint32
	CEPCtl      uint32
	CEPIntEn    uint32
	CEPIntSts   uint32
	CEPTxCnt    uint32
	CEPRxCnt    uint32
	CEPDatCnt   uint32
	Setup1_0    uint32
	Setup3_2    uint32
	Setup5_4    uint32
	Setup7_6    uint32
	CEPBufStart uint32
	CEPBufEnd   uint32

	DMACtl uint32
	DMACnt uint32

	EP [NumEndpoints]EndpointRegs

	DMAAddr uint32
	PHYCtl  uint32
}

// EPRegOffset returns the absolute offset of field for endpoint ep.
func EPRegOffset(ep int, field uint32) (uint32, error) {
	if ep < 0 || ep >= NumEndpoints || field > EPBUFEND || field%4 != 0 {
		return 0, fmt.Errorf("%w: endpoint %d field 0x%02x", ErrInvalidRegister, ep, field)
	}
	return RegEPBase + uint32(ep)*RegEPStride + field, nil
}

// Read returns the register at offset.
func (r *Registers) Read(offset uint32) (uint32, error) {
	p, err := r.reg(offset)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// Write stores value at offset.
func (r *Registers) Write(offset, value uint32) error {
	p, err := r.reg(offset)
	if err != nil {
		return err
	}
	*p = value
	return nil
}

func (r *Registers) reg(offset uint32) (*uint32, error) {
	switch offset {
	case RegGINTSTS:
		return &r.GIntSts, nil
	case RegGINTEN:
		return &r.GIntEn, nil
	case RegBUSINTSTS:
		return &r.BusIntSts, nil
	case RegBUSINTEN:
		return &r.BusIntEn, nil
	case RegOPER:
		return &r.Oper, nil
	case RegFRAMECNT:
		return &r.FrameCnt, nil
	case RegFADDR:
		return &r.FAddr, nil
	case RegTEST:
		return &r.Test, nil
	case RegCEPDAT:
		return &r.CEPDat, nil
	case RegCEPCTL:
		return &r.CEPCtl, nil
	case RegCEPINTEN:
		return &r.CEPIntEn, nil
	case RegCEPINTSTS:
		return &r.CEPIntSts, nil
	case RegCEPTXCNT:
		return &r.CEPTxCnt, nil
	case RegCEPRXCNT:
		return &r.CEPRxCnt, nil
	case RegCEPDATCNT:
		return &r.CEPDatCnt, nil
	case RegSETUP1_0:
		return &r.Setup1_0, nil
	case RegSETUP3_2:
		return &r.Setup3_2, nil
	case RegSETUP5_4:
		return &r.Setup5_4, nil
	case RegSETUP7_6:
		return &r.Setup7_6, nil
	case RegCEPBUFST:
		return &r.CEPBufStart, nil
	case RegCEPBUFEND:
		return &r.CEPBufEnd, nil
	case RegDMACTL:
		return &r.DMACtl, nil
	case RegDMACNT:
		return &r.DMACnt, nil
	case RegDMAADDR:
		return &r.DMAAddr, nil
	case RegPHYCTL:
		return &r.PHYCtl, nil
	}

	end := uint32(RegEPBase + NumEndpoints*RegEPStride)
	if offset < RegEPBase || offset >= end || offset%4 != 0 {
		return nil, fmt.Errorf("%w: offset 0x%03x", ErrInvalidRegister, offset)
	}
	ep := &r.EP[(offset-RegEPBase)/RegEPStride]
	switch (offset - RegEPBase) % RegEPStride {
	case EPDAT:
		return &ep.Dat, nil
	case EPINTSTS:
		return &ep.IntSts, nil
	case EPINTEN:
		return &ep.IntEn, nil
	case EPDATCNT:
		return &ep.DatCnt, nil
	case EPRSPCTL:
		return &ep.RspCtl, nil
	case EPMPS:
		return &ep.MPS, nil
	case EPTXCNT:
		return &ep.TxCnt, nil
	case EPCFG:
		return &ep.Cfg, nil
	case EPBUFST:
		return &ep.BufStart, nil
	default:
		return &ep.BufEnd, nil
	}
}

func (r *Registers) endpoint(ep int) (*EndpointRegs, error) {
	if ep < 0 || ep >= NumEndpoints {
		return nil, fmt.Errorf("%w: endpoint %d", ErrInvalidRegister, ep)
	}
	return &r.EP[ep], nil
}

// Reset re-zeroes the whole register file.
func (r *Registers) Reset() { *r = Registers{} }

// LatchSetup stores a received SETUP packet the way the controller does and
// raises NAK on the control endpoint until firmware clears it.
func (r *Registers) LatchSetup(req usb.ControlRequest) {
	r.Setup1_0 = uint32(req.RequestType) | uint32(req.Request)<<8
	r.Setup3_2 = uint32(req.Value)
	r.Setup5_4 = uint32(req.Index)
	r.Setup7_6 = uint32(req.Length)
	r.CEPCtl = CEPNak
}

// ClearCEPNak completes the status stage of the current control transfer.
func (r *Registers) ClearCEPNak() { r.CEPCtl = CEPNakClear }

func (r *Registers) SetCEPIntStatus(v uint32) { r.CEPIntSts = v }

func (r *Registers) SetCEPIntEnable(v uint32) { r.CEPIntEn = v }

// ResetDMA pulses the DMA controller reset.
func (r *Registers) ResetDMA() {
	r.DMACtl = DMACtlBusy
	r.DMACtl = DMACtlIdle
	r.DMACnt = 0
}

// FlushEndpoint discards the endpoint's FIFO.
func (r *Registers) FlushEndpoint(ep int) error {
	e, err := r.endpoint(ep)
	if err != nil {
		return err
	}
	e.RspCtl = EPRspFlush
	e.DatCnt = 0
	return nil
}

// SetEndpointDataCount records the bytes available in the endpoint FIFO.
func (r *Registers) SetEndpointDataCount(ep int, n int) error {
	e, err := r.endpoint(ep)
	if err != nil {
		return err
	}
	e.DatCnt = uint32(n)
	return nil
}

// SetEndpointTxCount records the bytes queued for an IN transfer.
func (r *Registers) SetEndpointTxCount(ep int, n int) error {
	e, err := r.endpoint(ep)
	if err != nil {
		return err
	}
	e.TxCnt = uint32(n)
	return nil
}
