// Package parser reads the optional tasks document that sits next to a
// plan. The document is markdown with one section per batch and one
// checkbox line per task, so task detail stays reviewable alongside the
// plan it belongs to. Parsed tasks feed the task store, which in turn
// feeds batch instructions.
package parser

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var (
	sectionRegex = regexp.MustCompile(`^##\s+([a-z0-9][a-z0-9-]*)\s*$`)
	taskRegex    = regexp.MustCompile(`^- \[([ xX])\]\s+(.+)$`)
	// An explicit id must end in a digit so titles with a leading
	// "word:" are not mistaken for one.
	idPrefixRegex   = regexp.MustCompile(`^([a-z0-9][a-z0-9_-]*\d):\s+(.+)$`)
	complexityRegex = regexp.MustCompile(`\s*\[complexity:\s*(\d+)\]`)
)

// ParseTaskFile reads and parses the tasks document at path
func ParseTaskFile(path, spec string) ([]*domain.Task, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.KindConfiguration, "task parse", err, "reading %s", path)
	}
	return ParseTasks(content, spec)
}

// ParseTasks extracts tasks from a markdown document. `## <batch-id>`
// headers open a batch section; checkbox lines inside it become tasks,
// checked ones already complete. A `<id>: ` prefix names a task
// explicitly, otherwise ids derive as `<batch>-<ordinal>`. Indented
// lines under a task accumulate into its description, and a
// `[complexity: n]` marker is stripped from the title.
func ParseTasks(content []byte, spec string) ([]*domain.Task, error) {
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, domain.WrapError(domain.KindConfiguration, "task parse", err, "invalid frontmatter")
	}
	if fm.Spec != "" && fm.Spec != spec {
		return nil, domain.Errorf(domain.KindConfiguration, "task parse",
			"tasks document belongs to spec %q, not %q", fm.Spec, spec)
	}

	now := time.Now()
	var (
		tasks   []*domain.Task
		batch   string
		ordinal int
		current *domain.Task
		seen    = make(map[string]bool)
	)

	for i, line := range strings.Split(string(body), "\n") {
		lineNo := i + 1

		if m := sectionRegex.FindStringSubmatch(line); m != nil {
			batch = m[1]
			ordinal = 0
			current = nil
			continue
		}

		if m := taskRegex.FindStringSubmatch(line); m != nil {
			if batch == "" {
				return nil, domain.Errorf(domain.KindConfiguration, "task parse",
					"task on line %d is outside a batch section", lineNo)
			}
			ordinal++

			status := domain.TaskPending
			if m[1] != " " {
				status = domain.TaskComplete
			}

			id := fmt.Sprintf("%s-%d", batch, ordinal)
			title := strings.TrimSpace(m[2])
			if im := idPrefixRegex.FindStringSubmatch(title); im != nil {
				id, title = im[1], im[2]
			}

			complexity := 0
			if cm := complexityRegex.FindStringSubmatch(title); cm != nil {
				complexity, _ = strconv.Atoi(cm[1])
				title = strings.TrimSpace(complexityRegex.ReplaceAllString(title, ""))
			}

			if seen[id] {
				return nil, domain.Errorf(domain.KindConfiguration, "task parse",
					"duplicate task id %q on line %d", id, lineNo)
			}
			seen[id] = true

			current = &domain.Task{
				ID:         id,
				Spec:       spec,
				BatchID:    batch,
				Title:      title,
				Status:     status,
				Complexity: complexity,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			tasks = append(tasks, current)
			continue
		}

		switch {
		case strings.TrimSpace(line) == "":
			// Blank lines neither attach nor detach the current task.
		case current != nil && (strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")):
			text := strings.TrimSpace(line)
			if current.Description == "" {
				current.Description = text
			} else {
				current.Description += "\n" + text
			}
		default:
			// Unindented prose (intro text, other headers) ends any
			// description in progress.
			current = nil
		}
	}
	return tasks, nil
}
