package nuc970

import (
	"fmt"

	"github.com/Alia5/nucusbd/usb"
)

// DescribeRequest names a NuWriter vendor request. It returns "" for
// requests outside the vendor protocol.
func DescribeRequest(req usb.ControlRequest) string {
	switch req.RequestType {
	case ReqTypeVendorOut:
		switch req.Request {
		case VendorSetParameter:
			switch req.Value {
			case ParamBulkOutSize:
				return fmt.Sprintf("set-parameter bulk-out-size=%d", req.Index)
			case ParamResetDMA:
				return "set-parameter reset-dma"
			}
			return fmt.Sprintf("set-parameter 0x%02x", req.Value)
		case VendorSetBurnType:
			if m, ok := MediumForBurnType(req.Value); ok {
				return "set-burn-type " + m.String()
			}
			return fmt.Sprintf("set-burn-type unknown(0x%02x)", req.Value)
		}
		return fmt.Sprintf("vendor-out 0x%02x (dropped)", req.Request)
	case ReqTypeVendorIn:
		return fmt.Sprintf("vendor-ack 0x%04x", req.Value)
	}
	return ""
}
