package fault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

// DeleteResult reports how the device answered the erase command.
type DeleteResult struct {
	Confirmed bool   `json:"confirmed"`
	Response  string `json:"response"`
	Message   string `json:"message"`
}

// DeleteAll asks the device to erase its fault memory. The command is sent
// exactly once; erase is not retried.
func DeleteAll(ctx context.Context, ch device.Channel) (DeleteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, device.DefaultTimeout)
	defer cancel()

	resp, err := ch.Send(ctx, device.CmdDeleteAll)
	if err != nil {
		if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return DeleteResult{}, ErrTimeout
		}
		return DeleteResult{}, err
	}
	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Response)
	}
	if resp == nil || !resp.Success || text == "" {
		return DeleteResult{}, ErrTimeout
	}

	res := DeleteResult{Response: text}
	switch {
	case IsDeviceError(text):
		return res, fmt.Errorf("%w: %q", ErrDeviceError, text)
	case text == "OK" || text == "ACK" ||
		strings.Contains(text, "DELETED") || strings.Contains(text, "CLEARED"):
		res.Confirmed = true
		res.Message = "fault records deleted"
		log.Printf("[fault] device fault memory erased (%q)", text)
	default:
		res.Message = "command sent, device reply unrecognised"
		log.Printf("[fault] WARNING: erase reply not recognised: %q", text)
	}
	return res, nil
}
