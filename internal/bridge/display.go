package bridge

import (
	"context"
	"log/slog"
)

func (s *session) handleBLE(ctx context.Context, in Inbound) {
	d := s.srv.display
	if d == nil {
		s.sendError(in.ID, "ble_unavailable", msgNoDisplay, "")
		return
	}
	switch in.Action {
	case "status":
		s.refreshState()
	case "scan":
		devices, err := d.Scan(ctx, s.srv.config().ScanFilter)
		if err != nil {
			slog.Warn("bridge: display scan failed", "session", s.id, "err", err)
			s.sendError(in.ID, "ble_scan_failed", msgScanFailed, err.Error())
			return
		}
		s.send(TypeDevices, in.ID, DevicesPayload{Devices: devices})
	case "connect":
		s.connectDisplay(ctx, in.ID, in.Address)
	case "disconnect":
		s.disconnectDisplay(ctx, in.ID)
	}
}

// connectDisplay takes the display lease and connects address, the
// configured address, or the first device a scan finds.
func (s *session) connectDisplay(ctx context.Context, id, address string) {
	d := s.srv.display
	if d == nil {
		s.sendError(id, "ble_unavailable", msgNoDisplay, "")
		s.say(ctx, msgNoDisplay)
		return
	}
	if !s.tryLease() {
		s.sendError(id, "ble_busy", msgDisplayBusy, "")
		s.say(ctx, msgDisplayBusy)
		return
	}
	cfg := s.srv.config()
	if address == "" {
		address = cfg.DisplayAddress
	}
	if address == "" {
		devices, err := d.Scan(ctx, cfg.ScanFilter)
		if err != nil || len(devices) == 0 {
			detail := ""
			if err != nil {
				detail = err.Error()
			}
			s.sendError(id, "ble_not_found", msgNoDevices, detail)
			s.say(ctx, msgNoDevices)
			return
		}
		s.send(TypeDevices, id, DevicesPayload{Devices: devices})
		address = devices[0].Address
	}
	if err := d.Connect(ctx, address); err != nil {
		slog.Warn("bridge: display connect failed", "session", s.id, "address", address, "err", err)
		s.sendError(id, "ble_connect_failed", msgConnectFailed, err.Error())
		s.say(ctx, msgConnectFailed)
		return
	}
	s.say(ctx, msgConnected)
}

func (s *session) disconnectDisplay(ctx context.Context, id string) {
	d := s.srv.display
	if d == nil {
		s.sendError(id, "ble_unavailable", msgNoDisplay, "")
		return
	}
	if !s.leased() {
		s.sendError(id, "ble_busy", msgDisplayBusy, "")
		s.say(ctx, msgDisplayBusy)
		return
	}
	if err := d.Disconnect(ctx); err != nil {
		slog.Warn("bridge: display disconnect failed", "session", s.id, "err", err)
		s.sendError(id, "ble_disconnect_failed", msgDisconnectFail, err.Error())
		return
	}
	s.say(ctx, msgDisconnected)
}
