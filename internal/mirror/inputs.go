package mirror

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// ReadSource reads the index base URL from path. Surrounding whitespace is
// ignored; an empty file is an error.
func ReadSource(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read source file: %w", err)
	}

	source := strings.TrimSpace(string(b))
	if source == "" {
		return "", fmt.Errorf("source file %s is empty", path)
	}

	return source, nil
}

// ReadPackages reads one package name per line from path, skipping blank lines.
func ReadPackages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read packages file: %w", err)
	}
	defer f.Close()

	var packages []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			packages = append(packages, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read packages file: %w", err)
	}

	return packages, nil
}
