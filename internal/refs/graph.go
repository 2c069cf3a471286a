package refs

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strings"
)

var bareHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HashesFromGraph walks a saved node-graph document and collects every
// artifact it references, either as a bare content hash or as a
// /storage/<kind>/<filename> path (absolute URLs included). Filenames are
// resolved to hashes through resolve; unresolvable names are skipped so a
// stale graph cannot poison the registry.
func HashesFromGraph(graph []byte, resolve func(filename string) (string, bool)) ([]string, error) {
	var doc any
	if err := json.Unmarshal(graph, &doc); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	walkGraph(doc, func(value string) {
		if hash, ok := hashFromValue(value, resolve); ok {
			seen[hash] = struct{}{}
		}
	})
	hashes := make([]string, 0, len(seen))
	for h := range seen {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes, nil
}

func walkGraph(node any, visit func(string)) {
	switch v := node.(type) {
	case string:
		visit(v)
	case []any:
		for _, item := range v {
			walkGraph(item, visit)
		}
	case map[string]any:
		for _, item := range v {
			walkGraph(item, visit)
		}
	}
}

func hashFromValue(value string, resolve func(string) (string, bool)) (string, bool) {
	value = strings.TrimSpace(value)
	if bareHashPattern.MatchString(value) {
		return value, true
	}
	idx := strings.Index(value, "/storage/")
	if idx < 0 {
		return "", false
	}
	rest := value[idx+len("/storage/"):]
	if q := strings.IndexAny(rest, "?#"); q >= 0 {
		rest = rest[:q]
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", false
	}
	filename := path.Base(parts[1])
	if filename == "" || filename == "." {
		return "", false
	}
	if resolve == nil {
		return "", false
	}
	return resolve(filename)
}
