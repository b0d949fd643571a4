package sandbox

import (
	"regexp"
	"sort"
	"strings"
)

var importLine = regexp.MustCompile(`(?m)^\s*(?:import\s+([\w.]+(?:\s*,\s*[\w.]+)*)|from\s+([\w.]+)\s+import\b)`)

// ScanImports extracts the modules a Python snippet imports, in source
// order, deduplicated. Relative imports are skipped.
func ScanImports(code string) []string {
	seen := make(map[string]struct{})
	var mods []string

	add := func(mod string) {
		mod = strings.TrimSpace(mod)
		if mod == "" || strings.HasPrefix(mod, ".") {
			return
		}
		if _, ok := seen[mod]; ok {
			return
		}
		seen[mod] = struct{}{}
		mods = append(mods, mod)
	}

	for _, m := range importLine.FindAllStringSubmatch(code, -1) {
		if m[1] != "" {
			for _, part := range strings.Split(m[1], ",") {
				add(part)
			}
		} else if m[2] != "" {
			add(m[2])
		}
	}
	return mods
}

// pipNames maps import names to distribution names where they differ.
var pipNames = map[string]string{
	"sklearn":    "scikit-learn",
	"cv2":        "opencv-python",
	"PIL":        "Pillow",
	"yaml":       "PyYAML",
	"bs4":        "beautifulsoup4",
	"Bio":        "biopython",
	"dateutil":   "python-dateutil",
	"dotenv":     "python-dotenv",
	"fitz":       "PyMuPDF",
	"serial":     "pyserial",
	"Crypto":     "pycryptodome",
	"skimage":    "scikit-image",
	"statsmodel": "statsmodels",
}

// stdlibModules covers the standard library imports task code commonly uses.
// Anything listed here never triggers an install.
var stdlibModules = map[string]struct{}{
	"abc": {}, "argparse": {}, "array": {}, "ast": {}, "asyncio": {},
	"base64": {}, "bisect": {}, "builtins": {}, "calendar": {}, "collections": {},
	"concurrent": {}, "contextlib": {}, "copy": {}, "csv": {}, "dataclasses": {},
	"datetime": {}, "decimal": {}, "difflib": {}, "enum": {}, "fractions": {},
	"functools": {}, "gc": {}, "glob": {}, "gzip": {}, "hashlib": {},
	"heapq": {}, "hmac": {}, "html": {}, "http": {}, "inspect": {},
	"io": {}, "itertools": {}, "json": {}, "logging": {}, "math": {},
	"numbers": {}, "operator": {}, "os": {}, "pathlib": {}, "platform": {},
	"pprint": {}, "queue": {}, "random": {}, "re": {}, "resource": {},
	"secrets": {}, "shutil": {}, "signal": {}, "socket": {}, "sqlite3": {},
	"statistics": {}, "string": {}, "struct": {}, "sys": {}, "tempfile": {},
	"textwrap": {}, "threading": {}, "time": {}, "timeit": {}, "tokenize": {},
	"traceback": {}, "types": {}, "typing": {}, "unicodedata": {}, "unittest": {},
	"urllib": {}, "uuid": {}, "warnings": {}, "weakref": {}, "xml": {},
	"zipfile": {}, "zlib": {},
}

// ResolvePackages maps imported modules to the pip packages that provide
// them, skipping the standard library. Results are sorted and deduplicated.
func ResolvePackages(code string) []string {
	seen := make(map[string]struct{})
	var pkgs []string
	for _, mod := range ScanImports(code) {
		root := moduleRoot(mod)
		if _, ok := stdlibModules[root]; ok {
			continue
		}
		pkg := root
		if mapped, ok := pipNames[root]; ok {
			pkg = mapped
		}
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}
