package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/glyphstudio/pkg/audio"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
)

// ErrLiveUnavailable is returned when a live session is started without a
// live provider.
var ErrLiveUnavailable = errors.New("app: live provider not configured")

// unavailableProvider stands in for a missing live provider.
type unavailableProvider struct{}

func (unavailableProvider) Open(context.Context, providerlive.Config) (providerlive.Channel, error) {
	return nil, ErrLiveUnavailable
}

// unavailableMicrophone stands in when audio capture is disabled.
type unavailableMicrophone struct{}

func (unavailableMicrophone) Open(context.Context, int, int) (audio.CaptureStream, error) {
	return nil, fmt.Errorf("capture disabled: %w", audio.ErrPermissionDenied)
}
