package export

import (
	"bytes"
	"embed"
	"html/template"
	"strconv"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var minutesTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			if t.IsZero() {
				return ""
			}
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/minutes.html")
	if err != nil {
		minutesTemplate = template.Must(template.New("minutes").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	minutesTemplate = template.Must(template.New("minutes").Funcs(funcMap).Parse(string(templateContent)))
}

// MinutesData holds data for minutes template rendering
type MinutesData struct {
	CommitteeName string
	MeetingSeq    int
	MeetingDate   time.Time
	GeneratedAt   time.Time
	Members       []MinutesMember
	Motions       []MinutesMotion
}

type MinutesMember struct {
	Name string
	Role string
}

// MinutesMotion is one main motion with the submotions raised on it.
type MinutesMotion struct {
	Title       string
	Description string
	State       string
	Mover       string
	Yes         int
	No          int
	Abstain     int
	Outcome     string
	Summary     string
	Pros        []string
	Cons        []string
	Note        string
	ReferredTo  string
	FromOrigin  string
	Submotions  []MinutesMotion
	Discussion  []MinutesComment
}

type MinutesComment struct {
	Author   string
	Position string
	Text     string
}

// Title is the heading of the minutes, also used for the file name.
func (d MinutesData) Title() string {
	if d.MeetingSeq > 0 {
		return d.CommitteeName + " Meeting " + strconv.Itoa(d.MeetingSeq) + " Minutes"
	}
	return d.CommitteeName + " Minutes"
}

// RenderMinutesHTML renders the minutes template with provided data
func RenderMinutesHTML(data MinutesData) (string, error) {
	var buf bytes.Buffer
	if err := minutesTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{range .Motions}}<h2>{{.Title}}</h2><p>{{.State}} ({{.Yes}}/{{.No}}/{{.Abstain}})</p>{{end}}
</body>
</html>`
