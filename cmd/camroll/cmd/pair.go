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
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pairCmd)
	pairCmd.Flags().Bool("unpair", false, "Forget the pairing instead")
}

// pairCmd represents the pair command
var pairCmd = &cobra.Command{
	Use:           "pair",
	Short:         "Ask a device to trust this computer",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		unpair, _ := cmd.Flags().GetBool("unpair")

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

			if unpair {
				if err := d.Unpair(ctx); err != nil {
					return fmt.Errorf("failed to unpair: %w", err)
				}
				log.WithField("device", d.Detail().Name).Info("Unpaired")
				return nil
			}

			if err := trust(ctx, d); err != nil {
				return err
			}
			log.WithField("device", d.Detail().Name).Info("Paired")
			fmt.Println(d.Detail())

			return nil
		})
	},
}
