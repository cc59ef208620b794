package bridge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
)

// LinkDevice runs the interactive QR pairing flow on the terminal. Meant for
// the CLI, with the bridge process stopped.
func LinkDevice(ctx context.Context, cfg config.BridgeConfig, authDir, incomingRoot, outgoingRoot string, force bool) error {
	s, err := NewSession(cfg, authDir, incomingRoot, outgoingRoot, func(Event) {})
	if err != nil {
		return err
	}
	defer s.client.Disconnect()

	if s.client.Store.ID != nil {
		if !force {
			fmt.Printf("Already linked as %s. Use --force to re-pair.\n", s.client.Store.ID.User)
			return nil
		}
		L_info("bridge: forcing re-pair, logging out current device")
		if err := s.client.Logout(ctx); err != nil {
			return fmt.Errorf("logout before re-pair: %w", err)
		}
	}

	// the QR channel must be requested before Connect
	qrCh, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("request QR channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect for pairing: %w", err)
	}

	fmt.Println("Scan the QR code with WhatsApp (Settings > Linked Devices):")
	for item := range qrCh {
		switch item.Event {
		case "code":
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			fmt.Println()
		case "success":
			// the session needs a moment to finish the handshake
			deadline := time.Now().Add(30 * time.Second)
			for time.Now().Before(deadline) && s.client.Store.ID == nil {
				time.Sleep(250 * time.Millisecond)
			}
			s.enforceAuthPerms()
			if s.client.Store.ID != nil {
				fmt.Printf("Linked as %s\n", s.client.Store.ID.User)
			} else {
				fmt.Println("Linked.")
			}
			return nil
		case "timeout":
			return fmt.Errorf("pairing timed out, no QR code scanned")
		default:
			L_debug("bridge: pairing event", "event", item.Event)
		}
	}
	return ctx.Err()
}

// UnlinkDevice logs the paired device out and removes the session.
func UnlinkDevice(ctx context.Context, cfg config.BridgeConfig, authDir, incomingRoot, outgoingRoot string) error {
	s, err := NewSession(cfg, authDir, incomingRoot, outgoingRoot, func(Event) {})
	if err != nil {
		return err
	}
	defer s.client.Disconnect()

	if s.client.Store.ID == nil {
		fmt.Println("No device linked.")
		return nil
	}
	jid := s.client.Store.ID.User
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect for logout: %w", err)
	}
	if err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Printf("Unlinked %s\n", jid)
	return nil
}

// DeviceStatus prints the pairing state without connecting.
func DeviceStatus(cfg config.BridgeConfig, authDir, incomingRoot, outgoingRoot string) error {
	s, err := NewSession(cfg, authDir, incomingRoot, outgoingRoot, func(Event) {})
	if err != nil {
		return err
	}
	if s.client.Store.ID == nil {
		fmt.Println("Not linked.")
		return nil
	}
	fmt.Printf("Linked as %s (push name %q)\n", s.client.Store.ID.User, s.client.Store.PushName)
	return nil
}
