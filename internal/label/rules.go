package label

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/buxton-project/buxton/internal/model"
)

// Rule is one parsed line of the kernel-provided rules file: a
// subject label, an object label, and an access string.
type Rule struct {
	Subject model.Label
	Object  model.Label
	Access  Access
}

// LoadRules parses the rules file at path. Blank lines and lines
// beginning with '#' are ignored. Each remaining line must have exactly
// three whitespace-separated fields: subject, object, and an access
// string whose 'r'/'R' and 'w'/'W' characters set the Read and Write
// bits (other characters, such as SMACK's 'x'/'a'/'t', are accepted and
// ignored — buxton only gates read and write).
//
// Absence of the file is not an error: it is treated as an empty rule
// set, matching the original daemon's behavior when Smack is not
// mounted (stat failure disables enforcement rather than failing
// startup).
func LoadRules(path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open rules file %s: %w", path, err)
	}
	defer f.Close()

	return parseRules(f)
}

func parseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("corrupt rules line %q: expected 3 fields, got %d", line, len(fields))
		}

		rules = append(rules, Rule{
			Subject: model.Label(fields[0]),
			Object:  model.Label(fields[1]),
			Access:  parseAccessString(fields[2]),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan rules file: %w", err)
	}
	return rules, nil
}

func parseAccessString(s string) Access {
	var a Access
	for _, c := range s {
		switch c {
		case 'r', 'R':
			a |= Read
		case 'w', 'W':
			a |= Write
		}
	}
	return a
}
