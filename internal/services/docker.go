package services

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	dockerclient "github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// DockerClient is the subset of the Docker Engine API used here
type DockerClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
}

type BuildInput struct {
	ContextDir string
	Dockerfile string // Relative to ContextDir
	Platform   string
	Tags       []string
	Labels     map[string]string
}

// ImageBuilder builds and pushes container images through the Docker daemon
type ImageBuilder struct {
	client DockerClient
}

// NewImageBuilder connects to the daemon configured by DOCKER_HOST and friends
func NewImageBuilder() (*ImageBuilder, func() error, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewImageBuilderWithClient(cli), cli.Close, nil
}

func NewImageBuilderWithClient(client DockerClient) *ImageBuilder {
	return &ImageBuilder{client: client}
}

// Build builds the image and returns its id
func (b *ImageBuilder) Build(ctx context.Context, input BuildInput) (string, error) {
	logger := zerolog.Ctx(ctx)

	buildCtx, err := createBuildContext(input.ContextDir)
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}

	dockerfile := input.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	logger.Info().
		Str("context", input.ContextDir).
		Str("dockerfile", dockerfile).
		Str("platform", input.Platform).
		Strs("tags", input.Tags).
		Msg("Building image")

	resp, err := b.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        input.Tags,
		Dockerfile:  filepath.ToSlash(dockerfile),
		Platform:    input.Platform,
		Labels:      input.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("build failed: %w", err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	imageID, err := parseBuildOutput(resp.Body, func(line string) {
		logger.Info().Str("stream", "docker").Msg(line)
	})
	if err != nil {
		return "", err
	}

	logger.Info().Str("image_id", imageID).Msg("Built image")
	return imageID, nil
}

// Push pushes ref using the given registry credentials and returns the digest
func (b *ImageBuilder) Push(ctx context.Context, ref string, creds RegistryCredentials) (string, error) {
	logger := zerolog.Ctx(ctx)

	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.Registry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	logger.Info().Str("image", ref).Msg("Pushing image")

	reader, err := b.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("push failed: %w", err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer reader.Close()

	digest, err := parsePushOutput(reader)
	if err != nil {
		return "", err
	}

	logger.Info().Str("image", ref).Str("digest", digest).Msg("Pushed image")
	return digest, nil
}

// createBuildContext streams a tar archive of the build context directory
func createBuildContext(contextPath string) (io.Reader, error) {
	absPath, err := filepath.Abs(contextPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve context path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("context path %q does not exist: %w", absPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context path %q is not a directory", absPath)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archiveDirectory(absPath, pw))
	}()

	return pr, nil
}

// archiveDirectory writes dir to w as a tar archive, leaving out .git
func archiveDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

// parseBuildOutput reads the Docker build JSON stream, hands each output line
// to onLine and extracts the image ID.
func parseBuildOutput(r io.Reader, onLine func(string)) (string, error) {
	decoder := json.NewDecoder(r)
	var imageID string

	for {
		var msg struct {
			Stream string `json:"stream"`
			Aux    struct {
				ID string `json:"ID"`
			} `json:"aux"`
			Error string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("failed to parse build output: %w", err)
		}
		if msg.Error != "" {
			return "", fmt.Errorf("build error: %s", msg.Error)
		}
		if line := strings.TrimRight(msg.Stream, "\r\n"); line != "" && onLine != nil {
			onLine(line)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
	}

	return imageID, nil
}

// parsePushOutput reads the Docker push JSON stream and extracts the digest
func parsePushOutput(r io.Reader) (string, error) {
	decoder := json.NewDecoder(r)
	var digest string

	for {
		var msg struct {
			Status string `json:"status"`
			Aux    struct {
				Tag    string `json:"Tag"`
				Digest string `json:"Digest"`
				Size   int64  `json:"Size"`
			} `json:"aux"`
			Error string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("failed to parse push output: %w", err)
		}
		if msg.Error != "" {
			return "", fmt.Errorf("push error: %s", msg.Error)
		}
		if msg.Aux.Digest != "" {
			digest = msg.Aux.Digest
		}
	}

	return digest, nil
}
