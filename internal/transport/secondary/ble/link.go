package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nerrad567/netbro-agent/internal/transport/secondary"
)

// GATT layout of the companion receiver.
var (
	ServiceUUID = mustUUID("6ba1b001-90a1-11ec-b909-0242ac120002")

	channelUUIDs = map[secondary.Channel]bluetooth.UUID{
		secondary.ChannelTelemetry:   mustUUID("6ba1b002-90a1-11ec-b909-0242ac120002"),
		secondary.ChannelAlerts:      mustUUID("6ba1b003-90a1-11ec-b909-0242ac120002"),
		secondary.ChannelCommands:    mustUUID("6ba1b004-90a1-11ec-b909-0242ac120002"),
		secondary.ChannelResponses:   mustUUID("6ba1b005-90a1-11ec-b909-0242ac120002"),
		secondary.ChannelMetadata:    mustUUID("6ba1b006-90a1-11ec-b909-0242ac120002"),
		secondary.ChannelKeyExchange: mustUUID("6ba1b007-90a1-11ec-b909-0242ac120002"),
	}
)

const (
	defaultScanTimeout = 10 * time.Second
	maxReadSize        = 512
)

var (
	// ErrPeerNotFound is returned when no receiver is seen during the scan.
	ErrPeerNotFound = errors.New("ble: receiver not found")

	// ErrNotConnected is returned for channel operations without a connection.
	ErrNotConnected = errors.New("ble: not connected")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: bad UUID %q: %v", s, err))
	}
	return u
}

// Link implements secondary.Link as a GATT central talking to the
// companion receiver's peripheral.
//
// The host stack does not report link loss reliably across platforms, so
// a failed characteristic write is treated as a disconnect.
type Link struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration

	mu           sync.Mutex
	enabled      bool
	disconnect   func() error
	chars        map[secondary.Channel]bluetooth.DeviceCharacteristic
	adv          *bluetooth.Advertisement
	onDisconnect func(error)
}

// New returns a Link on the default adapter.
func New(scanTimeout time.Duration) *Link {
	if scanTimeout <= 0 {
		scanTimeout = defaultScanTimeout
	}
	return &Link{
		adapter:     bluetooth.DefaultAdapter,
		scanTimeout: scanTimeout,
	}
}

func (l *Link) enable() error {
	if l.enabled {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enabling adapter: %w", err)
	}
	l.enabled = true
	return nil
}

// Connect implements secondary.Link.
func (l *Link) Connect(ctx context.Context, peerName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dropDeviceLocked()
	if err := l.enable(); err != nil {
		return err
	}

	addr, err := l.scan(ctx, peerName)
	if err != nil {
		return err
	}

	device, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("ble: connecting to %s: %w", peerName, err)
	}
	l.disconnect = device.Disconnect

	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		l.dropDeviceLocked()
		return fmt.Errorf("ble: receiver service missing: %w", errors.Join(err, ErrPeerNotFound))
	}

	found, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		l.dropDeviceLocked()
		return fmt.Errorf("ble: discovering characteristics: %w", err)
	}

	chars := make(map[secondary.Channel]bluetooth.DeviceCharacteristic, len(channelUUIDs))
	for _, c := range found {
		for ch, u := range channelUUIDs {
			if c.UUID() == u {
				chars[ch] = c
			}
		}
	}
	for ch := range channelUUIDs {
		if _, ok := chars[ch]; !ok {
			l.dropDeviceLocked()
			return fmt.Errorf("ble: receiver lacks %s characteristic", ch)
		}
	}
	l.chars = chars
	return nil
}

// scan returns the address of the first receiver advertising peerName or
// the receiver service.
func (l *Link) scan(ctx context.Context, peerName string) (bluetooth.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, l.scanTimeout)
	defer cancel()

	found := make(chan bluetooth.Address, 1)
	go func() {
		<-ctx.Done()
		l.adapter.StopScan() //nolint:errcheck // scan may have stopped already
	}()

	err := l.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if r.LocalName() != peerName && !r.HasServiceUUID(ServiceUUID) {
			return
		}
		select {
		case found <- r.Address:
		default:
		}
		a.StopScan() //nolint:errcheck // ends the Scan call
	})
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("ble: scanning: %w", err)
	}

	select {
	case addr := <-found:
		return addr, nil
	default:
		return bluetooth.Address{}, fmt.Errorf("%w: %q", ErrPeerNotFound, peerName)
	}
}

// dropDeviceLocked disconnects the current device. l.mu must be held.
func (l *Link) dropDeviceLocked() {
	if l.disconnect != nil {
		l.disconnect() //nolint:errcheck // device may already be gone
	}
	l.disconnect = nil
	l.chars = nil
}

func (l *Link) char(ch secondary.Channel) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[ch]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("%w: %s", ErrNotConnected, ch)
	}
	return c, nil
}

// Advertise implements secondary.Link.
func (l *Link) Advertise(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.enable(); err != nil {
		return err
	}
	adv := l.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	})
	if err != nil {
		return fmt.Errorf("ble: configuring advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: starting advertisement: %w", err)
	}
	l.adv = adv
	return nil
}

// Write implements secondary.Link.
func (l *Link) Write(ctx context.Context, ch secondary.Channel, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := l.char(ch)
	if err != nil {
		return err
	}
	if _, err := c.WriteWithoutResponse(data); err != nil {
		err = fmt.Errorf("ble: writing %s: %w", ch, err)
		l.notifyDisconnect(err)
		return err
	}
	return nil
}

// Read implements secondary.Link.
func (l *Link) Read(ctx context.Context, ch secondary.Channel) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := l.char(ch)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxReadSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: reading %s: %w", ch, err)
	}
	return buf[:n], nil
}

// Subscribe implements secondary.Link.
func (l *Link) Subscribe(ch secondary.Channel, fn func(data []byte)) error {
	c, err := l.char(ch)
	if err != nil {
		return err
	}
	err = c.EnableNotifications(func(buf []byte) {
		fn(append([]byte(nil), buf...))
	})
	if err != nil {
		return fmt.Errorf("ble: subscribing to %s: %w", ch, err)
	}
	return nil
}

// SetOnDisconnect implements secondary.Link.
func (l *Link) SetOnDisconnect(fn func(error)) {
	l.mu.Lock()
	l.onDisconnect = fn
	l.mu.Unlock()
}

func (l *Link) notifyDisconnect(err error) {
	l.mu.Lock()
	fn := l.onDisconnect
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Close implements secondary.Link.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.adv != nil {
		if err := l.adv.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("ble: stopping advertisement: %w", err))
		}
		l.adv = nil
	}
	l.dropDeviceLocked()
	return errors.Join(errs...)
}

var _ secondary.Link = (*Link)(nil)
