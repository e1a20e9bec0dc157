package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"regexp"
	"strings"
	"unicode"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

// Scaffold is the built-in agent. It writes a small static app derived from
// the prompt so a project can be previewed without an external agent.
type Scaffold struct{}

// NewScaffold returns the built-in agent.
func NewScaffold() *Scaffold {
	return &Scaffold{}
}

// Name implements Agent.
func (*Scaffold) Name() string { return "scaffold" }

type scaffoldFile struct {
	path    string
	content string
}

// Run implements Agent. A failed write is logged and skipped; the session
// fails only when nothing could be written.
func (a *Scaffold) Run(ctx context.Context, s *Session) (Outcome, error) {
	var out Outcome
	title := titleFor(s.Prompt)
	s.logf("info", "planning a %s app: %s", templateOrDefault(s.Template), title)

	files, err := a.files(s, title)
	if err != nil {
		return out, err
	}

	written := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return out, apperr.Wrap(err, apperr.KindOf(err), "scaffold session")
		}
		if _, err := call(ctx, s, &out, sandbox.WriteFileRequest{Path: f.path, Content: f.content}); err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			s.logf("warn", "could not write %s: %v", f.path, err)
			continue
		}
		written++
		s.logf("info", "wrote %s", f.path)
	}
	if written == 0 {
		return out, apperr.New(apperr.KindInternal, "scaffold wrote no files (%d failed)", out.Failures)
	}

	res, err := call(ctx, s, &out, sandbox.ListDirectoryRequest{Path: "."})
	if err != nil {
		s.logf("warn", "could not verify workspace listing: %v", err)
	} else if list, ok := res.(sandbox.ListDirectoryResult); ok {
		s.logf("info", "workspace holds %d entries", len(list.Entries))
	}

	out.Summary = fmt.Sprintf("wrote %d of %d files", written, len(files))
	return out, nil
}

func (a *Scaffold) files(s *Session, title string) ([]scaffoldFile, error) {
	var index bytes.Buffer
	if err := indexTemplate.Execute(&index, map[string]string{"Title": title, "Prompt": s.Prompt}); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "render index.html")
	}

	pkg, err := json.MarshalIndent(map[string]any{
		"name":    slugFor(title),
		"private": true,
		"version": "0.1.0",
		"scripts": map[string]string{
			"dev": "python3 -m http.server ${PORT:-3000}",
		},
		"appforge": map[string]any{
			"template": templateOrDefault(s.Template),
			"session":  s.Number,
		},
	}, "", "  ")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "render package.json")
	}

	return []scaffoldFile{
		{path: "package.json", content: string(pkg) + "\n"},
		{path: "index.html", content: index.String()},
		{path: "styles.css", content: stylesCSS},
		{path: "app.js", content: appJS},
	}, nil
}

func templateOrDefault(t string) string {
	if t == "" {
		return "static"
	}
	return t
}

// titleFor derives a short page title from the prompt.
func titleFor(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		return "Untitled App"
	}
	if len(words) > 8 {
		words = words[:8]
	}
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugFor(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		return "app"
	}
	return slug
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <link rel="stylesheet" href="styles.css">
</head>
<body>
  <main>
    <h1>{{.Title}}</h1>
    <p class="prompt">{{.Prompt}}</p>
    <form id="add">
      <input id="item" placeholder="Add an item" autocomplete="off">
      <button type="submit">Add</button>
    </form>
    <ul id="items"></ul>
  </main>
  <script src="app.js"></script>
</body>
</html>
`))

const stylesCSS = `body {
  font-family: system-ui, sans-serif;
  margin: 0;
  background: #f5f5f7;
  color: #1d1d1f;
}

main {
  max-width: 40rem;
  margin: 3rem auto;
  padding: 0 1rem;
}

.prompt {
  color: #6e6e73;
}

form {
  display: flex;
  gap: 0.5rem;
}

input {
  flex: 1;
  padding: 0.5rem;
}

li.done {
  text-decoration: line-through;
  color: #6e6e73;
}
`

const appJS = `const key = "appforge-items";
const list = document.getElementById("items");
const form = document.getElementById("add");
const input = document.getElementById("item");

let items = JSON.parse(localStorage.getItem(key) || "[]");

function save() {
  localStorage.setItem(key, JSON.stringify(items));
}

function render() {
  list.innerHTML = "";
  items.forEach((item, i) => {
    const li = document.createElement("li");
    li.textContent = item.text;
    if (item.done) li.classList.add("done");
    li.addEventListener("click", () => {
      items[i].done = !items[i].done;
      save();
      render();
    });
    list.appendChild(li);
  });
}

form.addEventListener("submit", (e) => {
  e.preventDefault();
  const text = input.value.trim();
  if (!text) return;
  items.push({ text, done: false });
  input.value = "";
  save();
  render();
});

render();
`
