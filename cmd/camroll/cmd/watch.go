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
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/internal/media"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("pull", "", "Pull the camera roll of every device that connects into DEST/<UDID>")
	watchCmd.Flags().Duration("interval", 0, "Polling interval (overrides poll.interval)")
}

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:           "watch",
	Short:         "Report devices as they connect and disconnect",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("pull")
		interval, _ := cmd.Flags().GetDuration("interval")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		w := a.watcher
		if interval > 0 {
			w.Interval = interval
		}

		queue := make(chan string, 16)

		w.OnConnected(func(d device.Detail) {
			log.WithFields(log.Fields{
				"name":  d.Name,
				"udid":  d.UDID,
				"ios":   d.OSVersion,
				"link":  d.Connection,
				"state": d.Pairing,
			}).Info("Device connected")
			if dest == "" {
				return
			}
			select {
			case queue <- d.UDID:
			default:
				log.WithField("udid", d.UDID).Warn("Pull queue is full, skipping device")
			}
		})
		w.OnDisconnected(func(udid string) {
			log.WithField("udid", udid).Info("Device disconnected")
		})

		return interruptible(func(ctx context.Context) error {
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return w.Run(gctx)
			})

			if dest != "" {
				g.Go(func() error {
					for {
						select {
						case <-gctx.Done():
							return nil
						case udid := <-queue:
							autoPull(gctx, a, udid, filepath.Join(dest, udid))
						}
					}
				})
			}

			return g.Wait()
		})
	},
}

func autoPull(ctx context.Context, a *app, udid, dest string) {
	l := log.WithField("udid", udid)

	d, ok := a.watcher.Registry.Get(udid)
	if !ok {
		l.Debug("device went away before pull started")
		return
	}
	if err := trust(ctx, d); err != nil {
		l.WithError(err).Warn("Cannot pull from untrusted device")
		return
	}

	res, err := pullDevice(ctx, a, d, dest, media.Filter{}, false)
	if res != nil {
		printResult(res)
	}
	if err != nil {
		l.WithError(err).Error("Pull failed")
	}
}
