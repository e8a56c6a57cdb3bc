package usb

import (
	"github.com/Alia5/nucusbd/usb"
)

const (
	// USB standard request codes
	usbReqGetStatus        = 0x00
	usbReqClearFeature     = 0x01
	usbReqSetFeature       = 0x03
	usbReqSetAddress       = 0x05
	usbReqGetDescriptor    = 0x06
	usbReqGetConfiguration = 0x08
	usbReqSetConfiguration = 0x09
	usbReqGetInterface     = 0x0A
	usbReqSetInterface     = 0x0B

	// USB request types (bmRequestType)
	usbReqTypeStandardToDevice      = 0x00
	usbReqTypeStandardToInterface   = 0x01
	usbReqTypeStandardToEndpoint    = 0x02
	usbReqTypeStandardFromDevice    = 0x80
	usbReqTypeStandardFromInterface = 0x81
	usbReqTypeStandardFromEndpoint  = 0x82

	usbConfigAttrSelfPowered = 0x40
)

// enumState is what enumeration leaves behind on one attach.
type enumState struct {
	address uint16
	config  uint8
	alt     map[uint16]uint8
}

func newEnumState() *enumState {
	return &enumState{alt: make(map[uint16]uint8)}
}

// handleStandard answers the standard EP0 requests every device shares.
// It returns false for requests the device session has to see.
func handleStandard(desc *usb.Descriptor, st *enumState, req usb.ControlRequest) (usb.Reply, bool) {
	switch req.RequestType {
	case usbReqTypeStandardFromDevice:
		switch req.Request {
		case usbReqGetDescriptor:
			return descriptorReply(desc, req), true
		case usbReqGetConfiguration:
			return usb.Payload([]byte{st.config}), true
		case usbReqGetStatus:
			var status byte
			if desc.Config.BMAttributes&usbConfigAttrSelfPowered != 0 {
				status = 0x01
			}
			return usb.Payload([]byte{status, 0x00}), true
		}
	case usbReqTypeStandardToDevice:
		switch req.Request {
		case usbReqSetAddress:
			st.address = req.Value
			return usb.Ack(), true
		case usbReqSetConfiguration:
			st.config = uint8(req.Value)
			return usb.Ack(), true
		case usbReqClearFeature, usbReqSetFeature:
			return usb.Ack(), true
		}
	case usbReqTypeStandardFromInterface:
		switch req.Request {
		case usbReqGetInterface:
			return usb.Payload([]byte{st.alt[req.Index]}), true
		case usbReqGetStatus:
			return usb.Payload([]byte{0x00, 0x00}), true
		}
	case usbReqTypeStandardToInterface:
		switch req.Request {
		case usbReqSetInterface:
			st.alt[req.Index] = uint8(req.Value)
			return usb.Ack(), true
		case usbReqClearFeature, usbReqSetFeature:
			return usb.Ack(), true
		}
	case usbReqTypeStandardFromEndpoint:
		if req.Request == usbReqGetStatus {
			return usb.Payload([]byte{0x00, 0x00}), true
		}
	case usbReqTypeStandardToEndpoint:
		if req.Request == usbReqClearFeature || req.Request == usbReqSetFeature {
			return usb.Ack(), true
		}
	}
	return usb.Reply{}, false
}

// descriptorReply looks up a descriptor and truncates it to wLength.
// Unknown descriptors get an empty reply.
func descriptorReply(desc *usb.Descriptor, req usb.ControlRequest) usb.Reply {
	dtype := uint8(req.Value >> 8)
	dindex := uint8(req.Value & 0xff)
	var data []byte
	switch dtype {
	case usb.DeviceDescType:
		data = desc.DeviceBytes()
	case usb.ConfigDescType:
		data = desc.ConfigBytes()
	case usb.StringDescType:
		data, _ = desc.StringBytes(dindex)
	case usb.QualifierDescType:
		data = desc.QualifierBytes()
	}
	if int(req.Length) < len(data) {
		data = data[:req.Length]
	}
	return usb.Payload(data)
}
