package monitor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Alia5/nucusbd/device/nuc970"
	srvusb "github.com/Alia5/nucusbd/internal/server/usb"
	"github.com/Alia5/nucusbd/usb"
)

type staticSource struct {
	sessions []*srvusb.Session
}

func (s *staticSource) Sessions() []*srvusb.Session { return s.sessions }

func (s *staticSource) Session(id string) *srvusb.Session {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

var _ = Describe("Monitor", func() {
	var (
		core   *nuc970.Core
		server *httptest.Server
	)

	get := func(path string) (int, []byte) {
		rsp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()
		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		return rsp.StatusCode, body
	}

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		dev := nuc970.New(nil, nuc970.DefaultConfig(), logger)
		core = dev.Attach("s1")

		_, err := core.HandleControl(nil, usb.ControlRequest{
			RequestType: nuc970.ReqTypeVendorOut,
			Request:     nuc970.VendorSetBurnType,
			Value:       nuc970.BurnTypeBase + nuc970.CodeMMC,
		})
		Expect(err).NotTo(HaveOccurred())

		src := &staticSource{sessions: []*srvusb.Session{{
			ID:      "s1",
			BusID:   "1-1",
			Remote:  "127.0.0.1:5000",
			Started: time.Unix(1700000000, 0),
			Device:  dev,
			Handler: core,
		}}}
		server = httptest.NewServer(New(src, logger).Router())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should list sessions", func() {
		code, body := get("/api/sessions")
		Expect(code).To(Equal(http.StatusOK))

		var rsp []map[string]any
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp).To(HaveLen(1))
		Expect(rsp[0]["id"]).To(Equal("s1"))
		Expect(rsp[0]["busid"]).To(Equal("1-1"))
		Expect(rsp[0]["medium"]).To(Equal("mmc"))
		Expect(rsp[0]["requests"]).To(BeNumerically("==", 1))
	})

	It("should describe one session", func() {
		code, body := get("/api/session/s1")
		Expect(code).To(Equal(http.StatusOK))

		var rsp map[string]any
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp["line_coding"]).To(Equal("115200 8N1"))
		Expect(rsp["remote"]).To(Equal("127.0.0.1:5000"))
	})

	It("should return 404 for unknown sessions", func() {
		code, _ := get("/api/session/nope")
		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("should serialize the register snapshot", func() {
		code, body := get("/api/session/s1/registers")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body).NotTo(BeEmpty())
	})

	It("should request a reset", func() {
		rsp, err := http.Post(server.URL+"/api/session/s1/reset", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusAccepted))

		_, err = core.HandleControl(nil, usb.ControlRequest{RequestType: nuc970.ReqTypeVendorIn, Value: 1, Length: 4})
		Expect(err).NotTo(HaveOccurred())
		Expect(core.Snapshot().Medium).To(Equal(nuc970.MediumNone))
	})

	It("should reject GET on the reset route", func() {
		code, _ := get("/api/session/s1/reset")
		Expect(code).To(Equal(http.StatusMethodNotAllowed))
	})

	It("should report process resources", func() {
		code, body := get("/api/resource")
		Expect(code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})
})
