package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateBridge(); err != nil {
		return err
	}
	if err := c.validateReconnect(); err != nil {
		return err
	}
	if err := c.validateJournal(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDevice() error {
	for name, value := range map[string]string{
		"device.vendor_id":  c.Device.VendorID,
		"device.product_id": c.Device.ProductID,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", name)
		}
		if _, err := strconv.ParseUint(value, 16, 16); err != nil {
			return fmt.Errorf("%s must be a 16-bit hex value, got %q", name, value)
		}
	}
	if c.Device.Interface < 0 || c.Device.Interface > 255 {
		return errors.New("device.interface must be between 0 and 255")
	}
	if c.Device.EndpointOut <= 0 || c.Device.EndpointOut > 0x0f {
		return errors.New("device.endpoint_out must be a valid OUT endpoint number (1-15)")
	}
	if c.Device.IOTimeout <= 0 {
		return errors.New("device.io_timeout must be positive (milliseconds)")
	}
	return nil
}

func (c *Config) validateBridge() error {
	if strings.TrimSpace(c.Bridge.SocketPath) == "" {
		return errors.New("bridge.socket_path must be set")
	}
	if c.Bridge.QueueDepth <= 0 {
		return errors.New("bridge.queue_depth must be positive")
	}
	if c.Bridge.ShutdownGrace <= 0 {
		return errors.New("bridge.shutdown_grace must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateReconnect() error {
	if c.Reconnect.InitialDelay <= 0 {
		return errors.New("reconnect.initial_delay must be positive (milliseconds)")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return errors.New("reconnect.max_delay must be at least reconnect.initial_delay")
	}
	return nil
}

func (c *Config) validateJournal() error {
	if c.Journal.Enabled && c.Journal.Retention <= 0 {
		return errors.New("journal.retention must be positive when journal.enabled is true")
	}
	return nil
}
