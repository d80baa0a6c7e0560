package article

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/latebit/kbgraph/internal/kb"
	"github.com/latebit/kbgraph/internal/links"
)

const frontMatterFence = "+++"

// DirRepository serves articles exported to a directory, one file per
// article named <number>.html or <number>.md. A file may start with TOML
// front matter between +++ fences:
//
//	+++
//	title = "VPN troubleshooting"
//	sys_id = "0123456789abcdef0123456789abcdef"
//	workflow_state = "published"
//	updated_at = 2024-03-01T10:00:00Z
//	+++
//
// Without a title the first top-level heading of the body is used.
type DirRepository struct {
	Root string
}

type frontMatter struct {
	Title         string    `toml:"title"`
	SysID         string    `toml:"sys_id"`
	WorkflowState string    `toml:"workflow_state"`
	UpdatedAt     time.Time `toml:"updated_at"`
}

// Article implements Repository.
func (d DirRepository) Article(ctx context.Context, id string) (Article, error) {
	if !kb.IsArticleNumber(id) {
		return Article{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, ext := range []string{".html", ".md"} {
		if err := ctx.Err(); err != nil {
			return Article{}, &FetchError{ID: id, Kind: KindTransient, Err: err}
		}
		data, err := os.ReadFile(filepath.Join(d.Root, id+ext))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case errors.Is(err, fs.ErrPermission):
			return Article{}, &FetchError{ID: id, Kind: KindForbidden, Err: err}
		case err != nil:
			return Article{}, &FetchError{ID: id, Kind: KindTransient, Err: err}
		}
		return parseArticleFile(id, string(data))
	}
	return Article{}, &FetchError{ID: id, Kind: KindNotFound}
}

func parseArticleFile(id, content string) (Article, error) {
	a := Article{ID: id, Body: content}

	if rest, ok := strings.CutPrefix(content, frontMatterFence+"\n"); ok {
		head, body, found := strings.Cut(rest, "\n"+frontMatterFence)
		if !found {
			return Article{}, &FetchError{ID: id, Kind: KindNotFound, Err: errors.New("unterminated front matter")}
		}
		var fm frontMatter
		if _, err := toml.Decode(head, &fm); err != nil {
			return Article{}, &FetchError{ID: id, Kind: KindNotFound, Err: fmt.Errorf("parse front matter: %w", err)}
		}
		a.Title = strings.TrimSpace(fm.Title)
		a.SysID = fm.SysID
		a.WorkflowState = strings.ToLower(fm.WorkflowState)
		a.UpdatedAt = fm.UpdatedAt
		a.Body = strings.TrimPrefix(body, "\n")
	}

	if a.Title == "" {
		a.Title = links.ExtractTitle(a.Body)
	}
	if a.Title == "" {
		a.Title = id
	}
	return a, nil
}
