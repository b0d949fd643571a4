// Package skills loads markdown reference packs that give the planner and
// executor domain guidance. Each pack is a markdown file with optional YAML
// frontmatter declaring which task types it applies to. A missing or empty
// skills directory is not an error: the library just supplies no context.
package skills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/mkell/sagan/internal/models"
)

// Block is one section of a reference pack: a level 2 heading and the prose
// under it.
type Block struct {
	Pack    string
	Heading string
	Body    string
}

// Pack is a parsed skills file.
type Pack struct {
	Name      string
	TaskTypes []models.TaskType
	Domains   []string
	Blocks    []Block
}

// AppliesTo reports whether the pack covers the given task type. A pack with
// no declared task types covers everything.
func (p *Pack) AppliesTo(taskType models.TaskType) bool {
	if len(p.TaskTypes) == 0 {
		return true
	}
	for _, t := range p.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

type packFrontmatter struct {
	TaskTypes []string `yaml:"task_types"`
	Domains   []string `yaml:"domains"`
}

// Library holds all loaded packs.
type Library struct {
	packs    []Pack
	markdown goldmark.Markdown
}

// NewLibrary loads every .md file under dir. A missing directory yields an
// empty library. Individual unparseable files are skipped, not fatal.
func NewLibrary(dir string) (*Library, error) {
	lib := &Library{markdown: goldmark.New()}
	if dir == "" {
		return lib, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		pack, err := lib.parsePack(strings.TrimSuffix(entry.Name(), ".md"), content)
		if err != nil {
			continue
		}
		lib.packs = append(lib.packs, *pack)
	}

	sort.Slice(lib.packs, func(i, j int) bool { return lib.packs[i].Name < lib.packs[j].Name })
	return lib, nil
}

// Packs returns all loaded packs.
func (l *Library) Packs() []Pack {
	return l.packs
}

// ContextFor returns the blocks relevant to a task type, optionally filtered
// by domain keywords matched against pack domain tags.
func (l *Library) ContextFor(taskType models.TaskType, domain string) []Block {
	var blocks []Block
	for _, pack := range l.packs {
		if !pack.AppliesTo(taskType) {
			continue
		}
		if domain != "" && len(pack.Domains) > 0 && !matchesDomain(pack.Domains, domain) {
			continue
		}
		blocks = append(blocks, pack.Blocks...)
	}
	return blocks
}

// RenderContext formats blocks as prompt text.
func RenderContext(blocks []Block) string {
	if len(blocks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Reference guidance:\n")
	for _, b := range blocks {
		fmt.Fprintf(&sb, "\n### %s\n%s\n", b.Heading, strings.TrimSpace(b.Body))
	}
	return sb.String()
}

func matchesDomain(tags []string, domain string) bool {
	lower := strings.ToLower(domain)
	for _, tag := range tags {
		if strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

func (l *Library) parsePack(name string, content []byte) (*Pack, error) {
	pack := &Pack{Name: name}

	body, front := splitFrontmatter(content)
	if front != nil {
		var fm packFrontmatter
		if err := yaml.Unmarshal(front, &fm); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
		for _, t := range fm.TaskTypes {
			pack.TaskTypes = append(pack.TaskTypes, models.TaskType(t))
		}
		pack.Domains = fm.Domains
	}

	pack.Blocks = l.extractBlocks(name, body)
	return pack, nil
}

// extractBlocks walks the markdown AST and slices the document at level 2
// headings. Prose before the first heading becomes an unnamed block.
func (l *Library) extractBlocks(packName string, source []byte) []Block {
	doc := l.markdown.Parser().Parse(text.NewReader(source))

	type section struct {
		heading string
		start   int
	}
	var sections []section

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 2 {
			return ast.WalkContinue, nil
		}
		if heading.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := heading.Lines().At(0)
		sections = append(sections, section{
			heading: headingText(heading, source),
			start:   seg.Stop,
		})
		return ast.WalkSkipChildren, nil
	})

	var blocks []Block
	if len(sections) == 0 {
		body := strings.TrimSpace(string(source))
		if body != "" {
			blocks = append(blocks, Block{Pack: packName, Heading: packName, Body: body})
		}
		return blocks
	}

	// Prose before the first heading.
	if lead := findHeadingLine(source, sections[0].heading); lead > 0 {
		body := strings.TrimSpace(string(source[:lead]))
		if body != "" {
			blocks = append(blocks, Block{Pack: packName, Heading: packName, Body: body})
		}
	}

	for i, sec := range sections {
		end := len(source)
		if i+1 < len(sections) {
			if next := findHeadingLine(source[sec.start:], sections[i+1].heading); next >= 0 {
				end = sec.start + next
			}
		}
		body := strings.TrimSpace(string(source[sec.start:end]))
		blocks = append(blocks, Block{Pack: packName, Heading: sec.heading, Body: body})
	}
	return blocks
}

func headingText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return strings.TrimSpace(buf.String())
}

// findHeadingLine locates the byte offset of the "## <heading>" line within
// source, or -1 when absent.
func findHeadingLine(source []byte, heading string) int {
	needle := []byte("## " + heading)
	return bytes.Index(source, needle)
}

// splitFrontmatter returns the body and the YAML frontmatter bytes, or the
// original content and nil when no frontmatter fence is present.
func splitFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}
	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			front := bytes.Join(lines[1:i], []byte("\n"))
			body := bytes.Join(lines[i+1:], []byte("\n"))
			return body, front
		}
	}
	return content, nil
}
