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
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// previewLimit is the largest file scan --preview will download.
const previewLimit = 8 << 20

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolP("json", "j", false, "Display entries as JSON")
	scanCmd.Flags().IntP("preview", "p", 0, "Show the first N images inline (iTerm2/VSCode)")
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:           "scan",
	Short:         "List the photos and videos in a device's camera roll",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		preview, _ := cmd.Flags().GetInt("preview")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return interruptible(func(ctx context.Context) error {
			d, err := a.pick(ctx)
			if err != nil {
				return err
			}
			if err := trust(ctx, d); err != nil {
				return err
			}

			job, err := a.watcher.Registry.Acquire(ctx, d.UDID)
			if err != nil {
				return err
			}
			defer job.Release()

			if !asJSON {
				if info, err := d.DeviceInfo(job.Context()); err != nil {
					log.WithError(err).Debug("failed to read device storage info")
				} else {
					logStorage(info)
				}
			}

			fsys, entries, err := scanDevice(job.Context(), a, d, !asJSON)
			if err != nil {
				return err
			}
			defer fsys.Close()

			if asJSON {
				dat, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal entries to JSON: %w", err)
				}
				fmt.Println(string(dat))
				return nil
			}

			printEntries(entries)

			if preview > 0 {
				return showPreviews(a, fsys, entries, preview)
			}
			return nil
		})
	},
}

// scanDevice opens the device file system and enumerates its camera roll.
// The caller closes the returned FS.
func scanDevice(ctx context.Context, a *app, d *device.Device, showProgress bool) (media.FS, []*media.Entry, error) {
	fsys, err := d.OpenFS(ctx)
	if err != nil {
		return nil, nil, err
	}

	scanner := &media.Scanner{
		Root:          a.conf.Scan.Root,
		ProgressEvery: a.conf.Scan.ProgressEvery,
	}

	var progress func(int)
	var p *mpb.Progress
	var bar *mpb.Bar
	if showProgress {
		p = mpb.New(mpb.WithWidth(60), mpb.WithOutput(os.Stderr))
		bar = p.New(0, mpb.SpinnerStyle(),
			mpb.PrependDecorators(decor.Name("   Scanning ", decor.WC{C: decor.DindentRight})),
			mpb.AppendDecorators(decor.CurrentNoUnit("%d items")),
		)
		progress = func(n int) {
			bar.SetCurrent(int64(n))
		}
	}

	entries, err := scanner.Scan(ctx, fsys, progress)
	if p != nil {
		if err != nil {
			bar.Abort(true)
		} else {
			bar.SetTotal(-1, true)
		}
		p.Wait()
	}
	if err != nil {
		fsys.Close()
		return nil, nil, err
	}

	return fsys, entries, nil
}

func logStorage(info map[string]string) {
	total, _ := strconv.ParseUint(info["FSTotalBytes"], 10, 64)
	free, _ := strconv.ParseUint(info["FSFreeBytes"], 10, 64)
	fields := log.Fields{"model": info["Model"]}
	if total > 0 {
		fields["total"] = humanize.Bytes(total)
		fields["free"] = humanize.Bytes(free)
	}
	log.WithFields(fields).Info("Device storage")
}

func printEntries(entries []*media.Entry) {
	var photos, videos int
	var size uint64
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSIZE\tCREATED\tLIVE PHOTO")
	for _, e := range entries {
		live := ""
		if e.Companion != nil {
			live = e.Companion.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Path, e.Kind, humanize.Bytes(uint64(e.Size)), e.Created.Format(time.DateTime), live)
		switch e.Kind {
		case media.Photo:
			photos++
		case media.Video:
			videos++
		}
		size += uint64(e.Size)
	}
	w.Flush()

	log.WithFields(log.Fields{
		"photos": photos,
		"videos": videos,
		"size":   humanize.Bytes(size),
	}).Info("Camera roll")
}

func showPreviews(a *app, fsys media.FS, entries []*media.Entry, n int) error {
	cache, err := media.NewPreviewCache(a.conf.Scan.PreviewCache)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if n == 0 {
			break
		}
		if !utils.CanDisplayInline(e.Name) || e.Size > previewLimit {
			continue
		}
		data, err := cache.Load(fsys, e, int(e.Size))
		if err != nil {
			log.WithError(err).Warnf("failed to load preview of %s", e.Name)
			continue
		}
		fmt.Println(e.Name)
		utils.DisplayImageInTerminal(os.Stdout, e.Name, data, 240)
		n--
	}
	return nil
}
