package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/rs/zerolog"
	deployerrors "github.com/savaki/lambda-deployer/internal/errors"
	"gopkg.in/yaml.v3"
)

// ArtifactReader reads a local path or s3:// URL
type ArtifactReader interface {
	Read(ctx context.Context, location string) ([]byte, error)
}

// MergeParameters merges multiple parameter maps with later maps having higher precedence
// Returns a CloudFormation parameter list sorted by key
func MergeParameters(pp ...map[string]string) []types.Parameter {
	m := map[string]string{}
	for _, p := range pp {
		maps.Copy(m, p)
	}

	var results []types.Parameter
	for _, k := range slices.Sorted(maps.Keys(m)) {
		results = append(results, types.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(m[k]),
		})
	}
	return results
}

// ParameterMap converts a parameter list to a map, dropping entries without a key
func ParameterMap(params []types.Parameter) map[string]string {
	m := make(map[string]string, len(params))
	for _, p := range params {
		if p.ParameterKey == nil {
			continue
		}
		m[*p.ParameterKey] = aws.ToString(p.ParameterValue)
	}
	return m
}

// EnvParametersLocation returns the env specific sibling of a parameter file,
// e.g. params.json becomes params.production.json.
func EnvParametersLocation(location, env string) string {
	dir, file := path.Split(location)
	ext := path.Ext(file)
	return dir + strings.TrimSuffix(file, ext) + "." + env + ext
}

// LoadStackParameters reads the base parameter file and overlays the env
// specific sibling when one exists. An empty location yields no parameters.
func LoadStackParameters(ctx context.Context, reader ArtifactReader, location, env string) (map[string]string, error) {
	if location == "" {
		return map[string]string{}, nil
	}
	logger := zerolog.Ctx(ctx)

	content, err := reader.Read(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters: %w", err)
	}
	base, err := parseParameters(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse parameters %s: %w", location, err)
	}

	envLocation := EnvParametersLocation(location, env)
	envContent, err := reader.Read(ctx, envLocation)
	if errors.Is(err, deployerrors.ErrArtifactNotFound) {
		logger.Info().
			Str("env_location", envLocation).
			Msg("No env-specific parameters found, using base parameters only")
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read env parameters: %w", err)
	}

	override, err := parseParameters(envContent)
	if err != nil {
		return nil, fmt.Errorf("failed to parse parameters %s: %w", envLocation, err)
	}

	merged := maps.Clone(base)
	maps.Copy(merged, override)

	logger.Info().
		Int("base_count", len(base)).
		Int("env_count", len(override)).
		Int("merged_count", len(merged)).
		Msg("Merged base and env-specific parameters")

	return merged, nil
}

// parseParameters accepts either the CloudFormation CLI list form
// [{"ParameterKey":..,"ParameterValue":..}] or a plain JSON object.
func parseParameters(content []byte) (map[string]string, error) {
	var list []types.Parameter
	if err := json.Unmarshal(content, &list); err == nil {
		return ParameterMap(list), nil
	}

	var m map[string]string
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// TemplateParameters returns the names declared in the Parameters section of a
// JSON or YAML template. Short form intrinsic tags such as !Ref are tolerated.
func TemplateParameters(template string) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(template), &doc); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("invalid template: top level is not a mapping")
	}

	root := doc.Content[0]
	var names []string
	hasResources := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "Resources":
			hasResources = true
		case "Parameters":
			if value.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("invalid template: Parameters is not a mapping")
			}
			for j := 0; j+1 < len(value.Content); j += 2 {
				names = append(names, value.Content[j].Value)
			}
		}
	}
	if !hasResources {
		return nil, fmt.Errorf("invalid template: Resources section is required")
	}
	return names, nil
}
