//go:build tinygo

package main

import (
	"context"
	"errors"
	"log/slog"

	"openenterprise/otaloader/ble"
	"openenterprise/otaloader/config"
	"openenterprise/otaloader/control"

	"tinygo.org/x/bluetooth"
)

// nusLink is the Nordic UART service: the phone writes commands and image
// bytes to RX and gets replies as TX notifications.
type nusLink struct {
	tx bluetooth.Characteristic
}

// Notify implements ble.Notifier. The HCI transport reports a full
// controller buffer as a plain error, so any failure is retried.
func (l *nusLink) Notify(p []byte) error {
	if _, err := l.tx.Write(p); err != nil {
		return ble.ErrNoMem
	}
	return nil
}

// startBLE advertises the UART service and starts the link's receive
// task. Must run before the writer task so status callbacks see the link.
func startBLE(ctx context.Context, dev *device) error {
	radio := bluetooth.DefaultAdapter
	link := &nusLink{}
	dev.link = ble.NewAdapter(link, dev.coord, ble.Config{Logger: dev.logger})
	dev.bleIn = control.NewLocked(dev.newInterpreter())

	adv := radio.DefaultAdvertisement()
	radio.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		if connected {
			dev.link.OnConnect()
			return
		}
		dev.link.OnDisconnect()
		if err := adv.Start(); err != nil {
			dev.logger.Error("ble:advertise-failed", slog.String("err", err.Error()))
		}
	})
	if err := radio.Enable(); err != nil {
		return err
	}

	var rx bluetooth.Characteristic
	err := radio.AddService(&bluetooth.Service{
		UUID: bluetooth.ServiceUUIDNordicUART,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &rx,
				UUID:   bluetooth.CharacteristicUUIDUARTRX,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					dev.link.OnWriteLen(len(value))
					dev.link.OnWrite(value)
				},
			},
			{
				Handle: &link.tx,
				UUID:   bluetooth.CharacteristicUUIDUARTTX,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return err
	}

	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    config.DeviceName(),
		ServiceUUIDs: []bluetooth.UUID{bluetooth.ServiceUUIDNordicUART},
	})
	if err != nil {
		return err
	}
	if err := adv.Start(); err != nil {
		return err
	}
	dev.logger.Info("ble:advertising", slog.String("name", config.DeviceName()))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				dev.logger.Error("ble:rx-panic")
			}
		}()
		dev.link.Run(ctx, dev.bleIn)
	}()
	return nil
}

// notifyLink sends the status object to a connected phone.
func (d *device) notifyLink() {
	if d.link == nil {
		return
	}
	if err := d.bleIn.WriteStatus(d.link); err != nil && !errors.Is(err, ble.ErrNotConnected) {
		d.logger.Warn("ble:status-failed", slog.String("err", err.Error()))
	}
}
