package ffi

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Native entry points, populated by registerFunctions.
var (
	mrsPeerConnectionCreate                                  func(config *peerConnectionConfiguration, out *uintptr) uint32
	mrsPeerConnectionRegisterConnectedCallback               func(peer, cb, user uintptr)
	mrsPeerConnectionRegisterLocalSdpReadytoSendCallback     func(peer, cb, user uintptr)
	mrsPeerConnectionRegisterIceCandidateReadytoSendCallback func(peer, cb, user uintptr)
	mrsPeerConnectionRegisterIceStateChangedCallback         func(peer, cb, user uintptr)
	mrsPeerConnectionRegisterVideoTrackAddedCallback         func(peer, cb, user uintptr)
	mrsPeerConnectionAddTransceiver                          func(peer uintptr, config *transceiverInitConfig, out *uintptr) uint32
	mrsPeerConnectionAddIceCandidate                         func(peer uintptr, cand *iceCandidate) uint32
	mrsPeerConnectionCreateOffer                             func(peer uintptr) uint32
	mrsPeerConnectionCreateAnswer                            func(peer uintptr) uint32
	mrsPeerConnectionSetRemoteDescriptionAsync               func(peer uintptr, typ int32, sdp string, cb, user uintptr) uint32
	mrsPeerConnectionClose                                   func(peer uintptr) uint32
	mrsTransceiverSetLocalAudioTrack                         func(transceiver, track uintptr) uint32
	mrsTransceiverSetLocalVideoTrack                         func(transceiver, track uintptr) uint32
	mrsLocalAudioTrackCreateFromDevice                       func(config uintptr, name string, out *uintptr) uint32
	mrsLocalVideoTrackCreateFromDevice                       func(config *localVideoDeviceInitConfig, name string, out *uintptr) uint32
	mrsLocalVideoTrackRegisterI420AFrameCallback             func(track, cb, user uintptr)
	mrsRemoteVideoTrackRegisterI420AFrameCallback            func(track, cb, user uintptr)
	mrsRefCountedObjectRemoveRef                             func(handle uintptr)
	mrsPeerConnectionGetSimpleStats                          func(peer, cb, user uintptr) uint32
	mrsStatsReportGetObjects                                 func(report uintptr, kind string, cb, user uintptr) uint32
	mrsStatsReportRemoveRef                                  func(report uintptr) uint32
)

func registerFunctions(handle uintptr) error {
	bindings := []struct {
		fptr any
		name string
	}{
		{&mrsPeerConnectionCreate, "mrsPeerConnectionCreate"},
		{&mrsPeerConnectionRegisterConnectedCallback, "mrsPeerConnectionRegisterConnectedCallback"},
		{&mrsPeerConnectionRegisterLocalSdpReadytoSendCallback, "mrsPeerConnectionRegisterLocalSdpReadytoSendCallback"},
		{&mrsPeerConnectionRegisterIceCandidateReadytoSendCallback, "mrsPeerConnectionRegisterIceCandidateReadytoSendCallback"},
		{&mrsPeerConnectionRegisterIceStateChangedCallback, "mrsPeerConnectionRegisterIceStateChangedCallback"},
		{&mrsPeerConnectionRegisterVideoTrackAddedCallback, "mrsPeerConnectionRegisterVideoTrackAddedCallback"},
		{&mrsPeerConnectionAddTransceiver, "mrsPeerConnectionAddTransceiver"},
		{&mrsPeerConnectionAddIceCandidate, "mrsPeerConnectionAddIceCandidate"},
		{&mrsPeerConnectionCreateOffer, "mrsPeerConnectionCreateOffer"},
		{&mrsPeerConnectionCreateAnswer, "mrsPeerConnectionCreateAnswer"},
		{&mrsPeerConnectionSetRemoteDescriptionAsync, "mrsPeerConnectionSetRemoteDescriptionAsync"},
		{&mrsPeerConnectionClose, "mrsPeerConnectionClose"},
		{&mrsTransceiverSetLocalAudioTrack, "mrsTransceiverSetLocalAudioTrack"},
		{&mrsTransceiverSetLocalVideoTrack, "mrsTransceiverSetLocalVideoTrack"},
		{&mrsLocalAudioTrackCreateFromDevice, "mrsLocalAudioTrackCreateFromDevice"},
		{&mrsLocalVideoTrackCreateFromDevice, "mrsLocalVideoTrackCreateFromDevice"},
		{&mrsLocalVideoTrackRegisterI420AFrameCallback, "mrsLocalVideoTrackRegisterI420AFrameCallback"},
		{&mrsRemoteVideoTrackRegisterI420AFrameCallback, "mrsRemoteVideoTrackRegisterI420AFrameCallback"},
		{&mrsRefCountedObjectRemoveRef, "mrsRefCountedObjectRemoveRef"},
		{&mrsPeerConnectionGetSimpleStats, "mrsPeerConnectionGetSimpleStats"},
		{&mrsStatsReportGetObjects, "mrsStatsReportGetObjects"},
		{&mrsStatsReportRemoveRef, "mrsStatsReportRemoveRef"},
	}
	for _, b := range bindings {
		if err := bind(b.fptr, handle, b.name); err != nil {
			return err
		}
	}
	return nil
}

// bind turns purego's panic on a missing symbol into an error.
func bind(fptr any, handle uintptr, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ffi: bind %s: %v", name, r)
		}
	}()
	purego.RegisterLibFunc(fptr, handle, name)
	return nil
}
