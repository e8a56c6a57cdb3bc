package trace

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tebeka/atexit"
)

var _ = ginkgo.Describe("SQLiteRecorder", func() {
	var (
		path     string
		recorder *SQLiteRecorder
		logger   *slog.Logger
		start    time.Time
	)

	entry := func(session string, seq uint32) Entry {
		return Entry{
			Session:     session,
			Seq:         seq,
			Time:        start.Add(time.Duration(seq) * time.Millisecond),
			Ep:          0,
			Dir:         "OUT",
			RequestType: 0x40,
			Request:     0xB0,
			Value:       0x87,
			ReplyKind:   "empty",
			Medium:      "spi",
		}
	}

	ginkgo.BeforeEach(func() {
		path = filepath.Join(ginkgo.GinkgoT().TempDir(), "trace.sqlite3")
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		start = time.Unix(1700000000, 0)

		var err error
		recorder, err = NewSQLiteRecorder(path, 3, logger)
		Expect(err).NotTo(HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		Expect(recorder.Close()).To(Succeed())
	})

	ginkgo.It("should refuse to overwrite an existing database", func() {
		_, err := NewSQLiteRecorder(path, 3, logger)
		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("should buffer entries until the batch is full", func() {
		recorder.Record(entry("a", 1))
		recorder.Record(entry("a", 2))

		reader, err := OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		entries, err := reader.Entries("")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())

		recorder.Record(entry("a", 3))
		entries, err = reader.Entries("")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(3))
	})

	ginkgo.It("should persist every field", func() {
		e := entry("b", 7)
		e.Ep = 2
		e.Dir = "IN"
		e.Index = 0x1234
		e.Length = 64
		e.TransferLen = 512
		e.ReplyKind = "data"
		e.ReplyLen = 5
		recorder.Record(e)
		Expect(recorder.Flush()).To(Succeed())

		reader, err := OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		entries, err := reader.Entries("b")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Time.Equal(e.Time)).To(BeTrue())
		entries[0].Time = e.Time
		Expect(entries[0]).To(Equal(e))
	})

	ginkgo.It("should list sessions and filter by session", func() {
		recorder.Record(entry("b", 1))
		recorder.Record(entry("a", 1))
		recorder.Record(entry("b", 2))
		Expect(recorder.Flush()).To(Succeed())

		reader, err := OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		Expect(reader.Sessions()).To(Equal([]string{"a", "b"}))
		entries, err := reader.Entries("b")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Seq).To(Equal(uint32(1)))
		Expect(entries[1].Seq).To(Equal(uint32(2)))
	})

	ginkgo.It("should flush on close and ignore later records", func() {
		recorder.Record(entry("c", 1))
		Expect(recorder.Close()).To(Succeed())
		Expect(recorder.atExit.Cancel()).To(HaveOccurred(), "exit handler should be released")
		recorder.Record(entry("c", 2))
		Expect(recorder.Flush()).To(Succeed())

		reader, err := OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		entries, err := reader.Entries("c")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	ginkgo.It("should generate a unique name when no path is given", func() {
		dir := ginkgo.GinkgoT().TempDir()
		wd, err := os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(dir)).To(Succeed())
		defer func() { _ = os.Chdir(wd) }()

		r, err := NewSQLiteRecorder("", 0, logger)
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		Expect(r.Path()).To(HavePrefix("nucusbd_trace_"))
		Expect(r.Path()).To(HaveSuffix(".sqlite3"))
		Expect(filepath.Join(dir, r.Path())).To(BeAnExistingFile())
	})
})

const exitDBEnv = "NUCUSBD_TRACE_EXIT_DB"

var _ = ginkgo.Describe("Exit handler", func() {
	ginkgo.It("should flush pending rows at exit", func() {
		if path := os.Getenv(exitDBEnv); path != "" {
			r, err := NewSQLiteRecorder(path, 100, nil)
			if err != nil {
				os.Exit(3)
			}
			for seq := uint32(1); seq <= 3; seq++ {
				r.Record(Entry{Session: "exit", Seq: seq, Time: time.Unix(1700000000, int64(seq)), Dir: "IN", ReplyKind: "data"})
			}
			atexit.Exit(0)
		}

		path := filepath.Join(ginkgo.GinkgoT().TempDir(), "exit.sqlite3")
		cmd := exec.Command(os.Args[0], "-test.run=^TestTrace$", "-ginkgo.focus=pending rows at exit")
		cmd.Env = append(os.Environ(), exitDBEnv+"="+path)
		out, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), string(out))

		reader, err := OpenReader(path)
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		entries, err := reader.Entries("exit")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(3))
		Expect(entries[2].Seq).To(Equal(uint32(3)))
	})
})

var _ = ginkgo.Describe("Open", func() {
	ginkgo.It("should return a nop recorder when disabled", func() {
		r, err := Open(Config{}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(r).To(Equal(Nop()))
		r.Record(Entry{Session: "x"})
		Expect(r.Flush()).To(Succeed())
		Expect(r.Close()).To(Succeed())
	})
})
