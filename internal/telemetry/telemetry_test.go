package telemetry

import (
	"context"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown := Setup(Options{ServiceName: "tickets-api"})
	assert.NoError(t, shutdown(context.Background()))
}
