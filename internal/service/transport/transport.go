package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"securemsg/internal/model"
)

var ErrClosed = errors.New("transport closed")

// Transport moves opaque frames between device addresses. Delivery may be
// delayed, duplicated or reordered; the protocol layers above cope with it.
type Transport interface {
	Send(ctx context.Context, f model.Frame) error
	Frames() <-chan model.Frame
	Close() error
}

// Address is the relay address of one device of a user.
func Address(userID, deviceID string) string {
	return userID + "/" + deviceID
}

func SplitAddress(addr string) (userID, deviceID string, err error) {
	userID, deviceID, ok := strings.Cut(addr, "/")
	if !ok || userID == "" || deviceID == "" {
		return "", "", fmt.Errorf("bad device address %q", addr)
	}
	return userID, deviceID, nil
}
