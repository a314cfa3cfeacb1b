// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

package datactl

import "github.com/otpclip/otpclip/internal/wire"

// Interfaces this client binds or adopts.
const (
	ifaceDisplay  = wire.Interface("wl_display")
	ifaceRegistry = wire.Interface("wl_registry")
	ifaceCallback = wire.Interface("wl_callback")
	ifaceSeat     = wire.Interface("wl_seat")
	ifaceManager  = wire.Interface("ext_data_control_manager_v1")
	ifaceDevice   = wire.Interface("ext_data_control_device_v1")
	ifaceSource   = wire.Interface("ext_data_control_source_v1")
	ifaceOffer    = wire.Interface("ext_data_control_offer_v1")
)

// Bound versions. The seat is only needed as a get_data_device
// argument, so anything up to 2 is fine; the data-control family is
// used at its base revision.
const (
	seatBindVersion    = 2
	managerBindVersion = 1
)

// Requests (client to compositor).
const (
	displaySyncOp        = 0
	displayGetRegistryOp = 1

	registryBindOp = 0

	managerCreateDataSourceOp = 0
	managerGetDataDeviceOp    = 1
	managerDestroyOp          = 2

	deviceSetSelectionOp        = 0
	deviceDestroyOp             = 1
	deviceSetPrimarySelectionOp = 2

	sourceOfferOp   = 0
	sourceDestroyOp = 1

	offerReceiveOp = 0
	offerDestroyOp = 1
)

// Events (compositor to client).
const (
	displayErrorEvent    = 0
	displayDeleteIDEvent = 1

	registryGlobalEvent       = 0
	registryGlobalRemoveEvent = 1

	callbackDoneEvent = 0

	seatCapabilitiesEvent = 0
	seatNameEvent         = 1

	deviceDataOfferEvent        = 0
	deviceSelectionEvent        = 1
	deviceFinishedEvent         = 2
	devicePrimarySelectionEvent = 3

	sourceSendEvent      = 0
	sourceCancelledEvent = 1

	offerOfferEvent = 0
)

// plainTextMimeTypes is every spelling of "plain text" pasting
// targets ask for, sorted for binary search.
var plainTextMimeTypes = []string{
	"STRING",
	"TEXT",
	"UTF8_STRING",
	"text/plain",
	"text/plain;charset=utf-8",
}
