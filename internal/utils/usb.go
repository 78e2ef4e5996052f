package utils

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/pkg/usb"
)

// DeviceChoice is the one-line label of a device in pickers and listings.
func DeviceChoice(d device.Detail) string {
	return fmt.Sprintf("%s (%s, iOS %s) %s", d.Name, d.Model, d.OSVersion, d.UDID)
}

// PickDevice returns the only connected device or asks the user to choose one.
func PickDevice(details []device.Detail) (device.Detail, error) {
	switch len(details) {
	case 0:
		return device.Detail{}, fmt.Errorf("no connected devices: %w", usb.ErrDeviceNotFound)
	case 1:
		return details[0], nil
	}

	var choices []string
	for _, d := range details {
		choices = append(choices, DeviceChoice(d))
	}
	selected := 0
	prompt := &survey.Select{
		Message: "Select the device to use:",
		Options: choices,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		if err == terminal.InterruptErr {
			log.Warn("Exiting...")
			os.Exit(0)
		}
		return device.Detail{}, err
	}

	return details[selected], nil
}
