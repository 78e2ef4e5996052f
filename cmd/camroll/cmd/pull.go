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
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/internal/transfer"
	"github.com/blacktop/camroll/internal/utils"
	"github.com/blacktop/camroll/pkg/usb"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

func init() {
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().Bool("photos", false, "Only pull photos (live photo videos included)")
	pullCmd.Flags().Bool("videos", false, "Only pull videos")
	pullCmd.Flags().String("since", "", "Only pull media created on or after this date (YYYY-MM-DD)")
	pullCmd.Flags().IntP("limit", "n", 0, "Only pull the N newest photos and videos")
	pullCmd.MarkFlagsMutuallyExclusive("photos", "videos")
}

// pullCmd represents the pull command
var pullCmd = &cobra.Command{
	Use:   "pull [DEST]",
	Short: "Copy a device's camera roll to a local folder",
	Example: `  # Copy everything to the configured destination
  ❯ camroll pull
  # Copy this year's photos to ./photos
  ❯ camroll pull --photos --since 2024-01-01 ./photos`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := pullFilter(cmd)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		dest := a.conf.Pull.Dest
		if len(args) > 0 {
			dest = args[0]
		}

		return interruptible(func(ctx context.Context) error {
			d, err := a.pick(ctx)
			if err != nil {
				return err
			}
			if err := trust(ctx, d); err != nil {
				return err
			}

			res, err := pullDevice(ctx, a, d, dest, filter, true)
			if res != nil {
				printResult(res)
			}
			if err != nil {
				return err
			}
			if len(res.Failures) > 0 {
				return fmt.Errorf("%d of %d files failed to copy", len(res.Failures), len(res.Failures)+res.Succeeded)
			}
			return nil
		})
	},
}

func pullFilter(cmd *cobra.Command) (media.Filter, error) {
	var filter media.Filter

	if photos, _ := cmd.Flags().GetBool("photos"); photos {
		filter.Kind = media.Photo
	}
	if videos, _ := cmd.Flags().GetBool("videos"); videos {
		filter.Kind = media.Video
	}
	if since, _ := cmd.Flags().GetString("since"); since != "" {
		t, err := time.ParseInLocation(time.DateOnly, since, time.Local)
		if err != nil {
			return filter, fmt.Errorf("invalid --since date %q: %w", since, err)
		}
		filter.Since = t
	}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if filter.Limit < 0 {
		return filter, fmt.Errorf("--limit must not be negative")
	}

	return filter, nil
}

// pullDevice scans d and copies the entries selected by filter into dest
// while holding the device's job.
func pullDevice(ctx context.Context, a *app, d *device.Device, dest string, filter media.Filter, showProgress bool) (*transfer.Result, error) {
	job, err := a.watcher.Registry.Acquire(ctx, d.UDID)
	if err != nil {
		return nil, err
	}
	defer job.Release()

	fsys, entries, err := scanDevice(job.Context(), a, d, showProgress)
	if err != nil {
		return nil, err
	}
	defer fsys.Close()

	entries = filter.Apply(entries)
	if len(entries) == 0 {
		log.Warn("Nothing to pull")
		return &transfer.Result{Status: transfer.Completed}, nil
	}

	engine := transfer.NewEngine()
	engine.ChunkSize = a.conf.Pull.ChunkSize
	engine.SpeedInterval = a.conf.Pull.SpeedInterval

	log.WithFields(log.Fields{
		"device": d.Detail().Name,
		"files":  len(entries),
		"dest":   dest,
	}).Info("Pulling camera roll")

	var progress func(transfer.Progress)
	if showProgress {
		pb := &pullBar{}
		defer pb.wait()
		progress = pb.update
	} else {
		last := -1
		progress = func(p transfer.Progress) {
			if p.FilesDone != last {
				last = p.FilesDone
				log.WithField("device", d.UDID).Debugf("pulled %d/%d files", p.FilesDone, p.FilesTotal)
			}
		}
	}

	return engine.Transfer(job.Context(), fsys, entries, dest, progress)
}

// pullBar renders transfer progress as a byte counter bar.
type pullBar struct {
	p   *mpb.Progress
	bar *mpb.Bar

	mu    sync.Mutex
	file  string
	speed float64
}

func (b *pullBar) update(p transfer.Progress) {
	if b.bar == nil {
		b.p = mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
			mpb.WithOutput(os.Stderr),
		)
		b.bar = b.p.New(p.BytesTotal,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding("-").Rbound("|"),
			mpb.PrependDecorators(
				decor.Any(b.current, decor.WC{W: 16, C: decor.DindentRight | decor.DextraSpace}),
				decor.CountersKibiByte("\t% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "✅ "),
				decor.Name(" ] "),
				decor.Any(b.rate, decor.WCSyncWidth),
			),
		)
	}

	b.mu.Lock()
	if p.File != "" {
		b.file = p.File
	}
	if p.Speed > 0 {
		b.speed = p.Speed
	}
	b.mu.Unlock()

	b.bar.SetCurrent(p.BytesDone)
}

func (b *pullBar) current(decor.Statistics) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file
}

func (b *pullBar) rate(decor.Statistics) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return humanize.Bytes(uint64(b.speed)) + "/s"
}

func (b *pullBar) wait() {
	if b.p == nil {
		return
	}
	if !b.bar.Completed() {
		b.bar.Abort(false)
	}
	b.p.Wait()
}

func printResult(res *transfer.Result) {
	fields := log.Fields{
		"copied":  res.Succeeded,
		"skipped": res.Skipped,
		"failed":  len(res.Failures),
		"size":    humanize.Bytes(uint64(res.Bytes)),
	}
	switch res.Status {
	case transfer.Completed:
		log.WithFields(fields).Info("Pull complete")
	default:
		log.WithFields(fields).WithField("status", res.Status).Warn("Pull finished")
	}
	for _, c := range res.Collisions {
		utils.Indent(log.Warn, 2)("not copied, name already used by another file: " + c)
	}
	for _, f := range res.Failures {
		utils.Indent(log.WithError(f.Err).Warn, 2)(f.Entry.Path)
		if hint := usb.Hint(f.Err); hint != "" {
			utils.Indent(log.Info, 3)(hint)
		}
	}
}
