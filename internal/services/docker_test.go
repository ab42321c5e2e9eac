package services

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildOutput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		lines   []string
		wantErr bool
	}{
		{
			name:  "image id from aux",
			input: `{"stream":"Step 1/2 : FROM public.ecr.aws/lambda/python:3.12\n"}{"stream":"\n"}{"aux":{"ID":"sha256:abc"}}`,
			want:  "sha256:abc",
			lines: []string{"Step 1/2 : FROM public.ecr.aws/lambda/python:3.12"},
		},
		{
			name:    "build error",
			input:   `{"stream":"Step 1/2\n"}{"error":"failed to solve"}`,
			lines:   []string{"Step 1/2"},
			wantErr: true,
		},
		{
			name:    "malformed",
			input:   `{"stream":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []string
			got, err := parseBuildOutput(strings.NewReader(tt.input), func(line string) {
				lines = append(lines, line)
			})
			assert.Equal(t, tt.lines, lines)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePushOutput(t *testing.T) {
	digest, err := parsePushOutput(strings.NewReader(`{"status":"Pushing"}{"status":"abc123: digest","aux":{"Tag":"abc123","Digest":"sha256:def","Size":1234}}`))
	require.NoError(t, err)
	assert.Equal(t, "sha256:def", digest)

	_, err = parsePushOutput(strings.NewReader(`{"error":"denied: not authorized"}`))
	assert.Error(t, err)
}

func TestArchiveDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "main.py"), []byte("print('hi')\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	r, err := createBuildContext(dir)
	require.NoError(t, err)

	names := tarNames(t, r)
	assert.Equal(t, []string{"Dockerfile", "app", "app/main.py"}, names)

	_, err = createBuildContext(filepath.Join(dir, "Dockerfile"))
	assert.Error(t, err, "context must be a directory")
}

func tarNames(t *testing.T, r io.Reader) []string {
	t.Helper()

	var names []string
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	sort.Strings(names)
	return names
}

func TestImageBuilder_BuildAndPush(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	var buildOptions build.ImageBuildOptions
	var contextNames []string
	var pushedRef string
	var auth registry.AuthConfig

	client := &mockDockerClient{
		imageBuildFunc: func(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
			buildOptions = options
			contextNames = tarNames(t, buildContext)
			return build.ImageBuildResponse{
				Body: io.NopCloser(strings.NewReader(`{"aux":{"ID":"sha256:abc"}}`)),
			}, nil
		},
		imagePushFunc: func(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
			pushedRef = ref
			decoded, err := base64.URLEncoding.DecodeString(options.RegistryAuth)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(decoded, &auth); err != nil {
				return nil, err
			}
			return io.NopCloser(strings.NewReader(`{"aux":{"Digest":"sha256:def"}}`)), nil
		},
	}

	builder := NewImageBuilderWithClient(client)
	ref := "123456789012.dkr.ecr.us-west-1.amazonaws.com/app-stg:abc123"

	imageID, err := builder.Build(testContext(), BuildInput{
		ContextDir: dir,
		Platform:   "linux/amd64",
		Tags:       []string{ref},
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", imageID)
	assert.Equal(t, "Dockerfile", buildOptions.Dockerfile)
	assert.Equal(t, "linux/amd64", buildOptions.Platform)
	assert.Equal(t, []string{ref}, buildOptions.Tags)
	assert.Equal(t, []string{"Dockerfile"}, contextNames)

	digest, err := builder.Push(testContext(), ref, RegistryCredentials{
		Registry: "123456789012.dkr.ecr.us-west-1.amazonaws.com",
		Username: "AWS",
		Password: "token",
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:def", digest)
	assert.Equal(t, ref, pushedRef)
	assert.Equal(t, "AWS", auth.Username)
	assert.Equal(t, "token", auth.Password)
	assert.Equal(t, "123456789012.dkr.ecr.us-west-1.amazonaws.com", auth.ServerAddress)
}
