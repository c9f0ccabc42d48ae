package configuration

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/go-jsonnet"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnmarshalJsonnet evaluates a Jsonnet expression and decodes the
// resulting JSON object into a structure. Environment variables are
// exposed to the expression as external variables. Fields that are
// not set by the expression retain the value they had prior to
// calling this function, which allows callers to provide defaults.
func UnmarshalJsonnet(filename, snippet string, configuration any) error {
	vm := jsonnet.MakeVM()
	for _, variable := range os.Environ() {
		if name, value, ok := strings.Cut(variable, "="); ok {
			vm.ExtVar(name, value)
		}
	}
	data, err := vm.EvaluateAnonymousSnippet(filename, snippet)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Failed to evaluate configuration: %s", err)
	}

	decoder := json.NewDecoder(bytes.NewBufferString(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(configuration); err != nil {
		return status.Errorf(codes.InvalidArgument, "Failed to unmarshal configuration: %s", err)
	}
	return nil
}

// UnmarshalConfigurationFromFile reads a Jsonnet file from disk and
// decodes it into a structure.
func UnmarshalConfigurationFromFile(path string, configuration any) error {
	snippet, err := os.ReadFile(path)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.NotFound, "Failed to read file contents")
	}
	return UnmarshalJsonnet(path, string(snippet), configuration)
}
