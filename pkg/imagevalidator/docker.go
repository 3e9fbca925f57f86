package imagevalidator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/distrihub/hub/pkg/model"
)

// imageClient is the subset of *client.Client the docker validator
// needs, mirroring the mockable seam the teacher's Nomad driver tests
// use against the real docker/docker client.
type imageClient interface {
	ImagePull(ctx context.Context, refStr string, opts image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, id string) (dockertypes.ImageInspect, []byte, error)
}

// Docker validates images by attempting a pull against a Docker engine,
// grounded on hashicorp-nomad's drivers/docker coordinator (ImagePull +
// ImageInspectWithRaw) and original_source's validate_docker_image,
// which does the equivalent check against the Docker Hub/registry API.
type Docker struct {
	client   imageClient
	logSink  *slog.Logger
}

func NewDocker(logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{client: cli, logSink: logger}, nil
}

func (d *Docker) logger() *slog.Logger {
	if d.logSink == nil {
		return slog.Default()
	}
	return d.logSink
}

// Validate pulls spec.Image (using spec.RegistryAuth if the image is
// private) and inspects it, reporting invalid(reason) on any pull or
// inspect failure rather than erroring the caller — a rejected image is
// a normal outcome, not a transient fault.
func (d *Docker) Validate(ctx context.Context, spec model.ContainerSpec) (Result, error) {
	if spec.Image == "" {
		return Result{}, ErrEmptyImage
	}

	opts := image.PullOptions{}
	if spec.RegistryAuth != nil {
		auth, err := encodeAuth(spec.RegistryAuth)
		if err != nil {
			return Result{Valid: false, Reason: "invalid registry credentials"}, nil
		}
		opts.RegistryAuth = auth
	}

	rc, err := d.client.ImagePull(ctx, spec.Image, opts)
	if err != nil {
		d.logger().WarnContext(ctx, "image pull failed", "image", spec.Image, "error", err)
		return Result{Valid: false, Reason: err.Error()}, nil
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return Result{Valid: false, Reason: err.Error()}, nil
	}

	if _, _, err := d.client.ImageInspectWithRaw(ctx, spec.Image); err != nil {
		if errdefs.IsNotFound(err) {
			return Result{Valid: false, Reason: "image not found after pull"}, nil
		}
		return Result{Valid: false, Reason: err.Error()}, nil
	}

	return Result{Valid: true}, nil
}

func encodeAuth(a *model.RegistryAuth) (string, error) {
	body, err := json.Marshal(struct {
		Username      string `json:"username"`
		Password      string `json:"password"`
		ServerAddress string `json:"serveraddress,omitempty"`
	}{Username: a.Username, Password: a.Password, ServerAddress: a.Registry})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(body), nil
}
