package imagevalidator

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/pkg/model"
)

type fakeImageClient struct {
	pullErr    error
	inspectErr error
}

func (f *fakeImageClient) ImagePull(ctx context.Context, refStr string, opts image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeImageClient) ImageInspectWithRaw(ctx context.Context, id string) (dockertypes.ImageInspect, []byte, error) {
	if f.inspectErr != nil {
		return dockertypes.ImageInspect{}, nil, f.inspectErr
	}
	return dockertypes.ImageInspect{ID: id}, []byte("{}"), nil
}

func TestDockerValidateAcceptsPullableImage(t *testing.T) {
	d := &Docker{client: &fakeImageClient{}}
	res, err := d.Validate(context.Background(), model.ContainerSpec{Image: "alpine:latest"})
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestDockerValidateRejectsFailedPull(t *testing.T) {
	d := &Docker{client: &fakeImageClient{pullErr: errors.New("manifest unknown")}}
	res, err := d.Validate(context.Background(), model.ContainerSpec{Image: "nonexistent:latest"})
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Contains(t, res.Reason, "manifest unknown")
}

func TestDockerValidateRequiresImage(t *testing.T) {
	d := &Docker{client: &fakeImageClient{}}
	_, err := d.Validate(context.Background(), model.ContainerSpec{})
	require.ErrorIs(t, err, ErrEmptyImage)
}
