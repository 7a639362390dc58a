package repository

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

const partialSuffix = ".partial-"

var (
	updatedRefRgx = regexp.MustCompile(`(?m)^[^=] \w+ \w+ (refs\/[^\s]+)`)

	// .<name>.partial-<random>
	partialDirRgx = regexp.MustCompile(`^\.(?P<name>[\w\-\.]+)\.partial-\d+$`)
)

// partialDirName returns name of the temporary dir used while cloning
func partialDirName(name string) string {
	return "." + name + partialSuffix + nextRandom()
}

// PartialDirRepo returns repository name if given dir name is a partial
// clone dir
func PartialDirRepo(dirName string) (string, bool) {
	sections := partialDirRgx.FindStringSubmatch(dirName)
	if len(sections) != 2 {
		return "", false
	}
	return sections[partialDirRgx.SubexpIndex("name")], true
}

// RemoveStalePartials removes partial clone dirs left in the root by an
// interrupted run. dirs whose full name is reported by keep are skipped.
// it returns number of removed dirs
func RemoveStalePartials(root string, keep func(dirName string) bool, log *slog.Logger) (int, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	// Save errors until the end.
	var errs []error
	count := 0
	for _, fi := range dirents {
		if !fi.IsDir() {
			continue
		}
		if _, ok := PartialDirRepo(fi.Name()); !ok || keep(fi.Name()) {
			continue
		}
		p := filepath.Join(root, fi.Name())
		log.Info("removing stale partial clone", "path", p)
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}

	if len(errs) != 0 {
		return count, fmt.Errorf("%s", errs)
	}
	return count, nil
}

// nextRandom will generate random number string
func nextRandom() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return strconv.Itoa(int(r.Uint32()))
}

func updatedRefs(output string) []string {
	var refs []string

	for _, match := range updatedRefRgx.FindAllStringSubmatch(output, -1) {
		refs = append(refs, match[1])
	}

	return refs
}
