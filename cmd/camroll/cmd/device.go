/*
Copyright © 2024 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/camroll/internal/config"
	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/internal/utils"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/viper"
)

// app wires the configured device stack for one command invocation.
type app struct {
	conf    *config.Config
	watcher *device.Watcher
}

func newApp() (*app, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	dial := usb.DefaultDialer
	store, err := lockdownd.NewStore(conf.Pairing.Store, conf.Pairing.Dir, dial)
	if err != nil {
		return nil, err
	}
	neg := lockdownd.NewNegotiator(dial, store)
	neg.PairTimeout = conf.Pairing.Timeout
	neg.PollInterval = conf.Pairing.PollInterval

	w := device.NewWatcher(device.NewMuxLister(dial), neg, nil)
	w.Interval = conf.Poll.Interval

	return &app{conf: conf, watcher: w}, nil
}

func (a *app) Close() {
	if err := a.watcher.Registry.Close(); err != nil {
		log.WithError(err).Debug("failed to close device sessions")
	}
}

// pick discovers attached devices and returns the one selected with --udid,
// the only one attached, or the one the user chooses.
func (a *app) pick(ctx context.Context) (*device.Device, error) {
	if err := a.watcher.Poll(ctx); err != nil {
		return nil, err
	}

	udid := viper.GetString("udid")
	if udid == "" {
		detail, err := utils.PickDevice(a.watcher.Registry.List())
		if err != nil {
			return nil, err
		}
		udid = detail.UDID
	}

	d, ok := a.watcher.Registry.Get(udid)
	if !ok {
		return nil, fmt.Errorf("%s: %w", udid, usb.ErrDeviceNotFound)
	}
	return d, nil
}

// trust pairs d if it is not paired yet.
func trust(ctx context.Context, d *device.Device) error {
	switch d.State() {
	case lockdownd.Trusted, lockdownd.ServiceReady:
		return nil
	case lockdownd.Rejected:
		return usb.ErrPairingDenied
	case lockdownd.AwaitingTrust:
		log.WithField("device", d.Detail().Name).Info("Tap \"Trust\" on the device and enter its passcode")
		return d.Pair(ctx)
	}
	return fmt.Errorf("%w: device is %s", lockdownd.ErrInvalidState, d.State())
}

// interruptible runs task with a context that is cancelled on ctrl-c, and
// waits for task to clean up before returning.
func interruptible(task func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	var taskErr error
	err := ctrlc.Default.Run(ctx, func() error {
		defer close(finished)
		taskErr = task(ctx)
		return taskErr
	})

	select {
	case <-finished:
		return taskErr
	default:
	}

	log.Warn("Interrupted, cleaning up...")
	cancel()
	<-finished
	if taskErr != nil {
		return taskErr
	}
	return err
}
