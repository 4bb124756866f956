package wa

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"

	"wabot/internal/config"
	"wabot/internal/errors"
)

// Pair links the device when the store holds no credentials. In QR mode the
// codes are drawn on out (and written to QRFile when set); in code mode the
// eight-character pairing code is printed for the configured phone. The
// socket is closed again on success so the session manager can take over.
func (c *Client) Pair(ctx context.Context, out io.Writer) error {
	if c.IsPaired() {
		return nil
	}
	if c.cfg.PairingMode == config.PairingCode {
		return c.pairWithCode(ctx, out)
	}
	return c.pairWithQR(ctx, out)
}

func (c *Client) pairWithQR(ctx context.Context, out io.Writer) error {
	qrChan, err := c.wm.GetQRChannel(ctx)
	if err != nil {
		return errors.NewTransient("qr channel", err)
	}
	if err := c.wm.Connect(); err != nil {
		return errors.NewTransient("connect for pairing", err)
	}
	defer c.wm.Disconnect()

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			fmt.Fprintln(out, "📱 Scan this QR code with WhatsApp (Linked devices):")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
			if c.cfg.QRFile != "" {
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 256, c.cfg.QRFile); err != nil {
					c.log.Warn().Err(err).Str("path", c.cfg.QRFile).Msg("writing QR image")
				}
			}
		case "success":
			c.removeQRFile()
			fmt.Fprintln(out, "✅ Device linked.")
			return nil
		case "timeout":
			c.removeQRFile()
			return errors.NewTransient("pairing", fmt.Errorf("QR code expired before it was scanned"))
		default:
			if evt.Error != nil {
				return errors.NewTransient("pairing", evt.Error)
			}
		}
	}
	return errors.NewTransient("pairing", closedErr(ctx))
}

func (c *Client) removeQRFile() {
	if c.cfg.QRFile == "" {
		return
	}
	if err := os.Remove(c.cfg.QRFile); err != nil && !os.IsNotExist(err) {
		c.log.Debug().Err(err).Msg("removing QR image")
	}
}

func (c *Client) pairWithCode(ctx context.Context, out io.Writer) error {
	qrChan, err := c.wm.GetQRChannel(ctx)
	if err != nil {
		return errors.NewTransient("qr channel", err)
	}
	if err := c.wm.Connect(); err != nil {
		return errors.NewTransient("connect for pairing", err)
	}
	defer c.wm.Disconnect()

	// PairPhone needs the pair-device handshake, which the first QR event marks.
	if err := awaitPairingReady(ctx, qrChan); err != nil {
		return err
	}
	code, err := c.wm.PairPhone(ctx, c.cfg.PairingPhone, true, whatsmeow.PairClientChrome, "Chrome ("+runtime.GOOS+")")
	if err != nil {
		return errors.NewTransient("request pairing code", err)
	}
	fmt.Fprintf(out, "🔑 Pairing code for +%s: %s\n", c.cfg.PairingPhone, code)
	fmt.Fprintln(out, "   WhatsApp > Linked devices > Link with phone number instead")

	if err := awaitPaired(ctx, qrChan); err != nil {
		return err
	}
	fmt.Fprintln(out, "✅ Device linked.")
	return nil
}

// awaitPairingReady blocks until the first QR code event.
func awaitPairingReady(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) error {
	for {
		select {
		case <-ctx.Done():
			return errors.NewTransient("pairing", ctx.Err())
		case evt, ok := <-qrChan:
			if !ok {
				return errors.NewTransient("pairing", closedErr(ctx))
			}
			if evt.Event == whatsmeow.QRChannelEventCode {
				return nil
			}
			if err := pairingFailure(evt); err != nil {
				return err
			}
		}
	}
}

// awaitPaired waits for the phone to confirm the pairing code. Further QR
// codes are ignored.
func awaitPaired(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) error {
	for {
		select {
		case <-ctx.Done():
			return errors.NewTransient("pairing", ctx.Err())
		case evt, ok := <-qrChan:
			if !ok {
				return errors.NewTransient("pairing", closedErr(ctx))
			}
			if evt.Event == whatsmeow.QRChannelSuccess.Event {
				return nil
			}
			if err := pairingFailure(evt); err != nil {
				return err
			}
		}
	}
}

func pairingFailure(evt whatsmeow.QRChannelItem) error {
	switch {
	case evt.Event == whatsmeow.QRChannelTimeout.Event:
		return errors.NewTransient("pairing", fmt.Errorf("pairing code expired"))
	case evt.Error != nil:
		return errors.NewTransient("pairing", evt.Error)
	case evt.Event == whatsmeow.QRChannelEventCode || evt.Event == whatsmeow.QRChannelSuccess.Event:
		return nil
	default:
		return errors.NewTransient("pairing", fmt.Errorf("pairing failed: %s", evt.Event))
	}
}

func closedErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("pairing channel closed")
}
