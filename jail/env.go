package jail

import (
	"bytes"
	"fmt"
	"os"
)

// loadEnv reads the per-image environment block: a file of null-terminated
// KEY=value records captured from the image at provisioning time. This is
// the entire environment the runner starts with.
func loadEnv(image string) ([]string, error) {
	path := envPath(image)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading image env file: %w", err)
	}
	return parseEnv(data), nil
}

func parseEnv(data []byte) []string {
	var env []string
	for _, record := range bytes.Split(data, []byte{0}) {
		if len(record) == 0 {
			continue
		}
		env = append(env, string(record))
	}
	return env
}
