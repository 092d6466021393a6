// Package messages renders the text of reminder notifications. The tone
// hardens with every fire: a friendly first ping, a firmer second, a
// direct third and a final warning for anything after that.
package messages

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/jmhodges/clock"

	"github.com/notexe/nagbot/internal/reminder"
)

var (
	firstTmpl = template.Must(template.New("first").Parse(`⏰ TIME: {{.Task}}

This is what you asked me to remind you about.

Reply 'done' when finished, or 'snooze 15' to delay.`))

	secondTmpl = template.Must(template.New("second").Parse(`⏰ SECOND REMINDER: {{.Task}}

No answer yet. You asked for this one.

Reply 'done' or 'snooze 10m'.`))

	thirdTmpl = template.Must(template.New("third").Parse(`⏰ THIRD REMINDER: {{.Task}}

It has been {{.Elapsed}} minutes.

Do it now, reply 'skip' if plans changed, or 'snooze 30' to delay.`))

	finalTmpl = template.Must(template.New("final").Parse(`⏰ FINAL WARNING: {{.Task}}

{{.Elapsed}} minutes and nothing.

You set this as {{.Priority}}.{{if .Last}} After this one it gets marked as missed.{{end}}`))

	missedTmpl = template.Must(template.New("missed").Parse(`⏰ MARKED AS MISSED

'{{.Task}}' got no reply after {{.Fires}} reminders.

If you did it after all, create it again and reply 'done'.`))
)

type view struct {
	Task     string
	Elapsed  int
	Priority string
	Fires    int
	Last     bool
}

// Renderer implements reminder.Renderer.
type Renderer struct {
	policy *reminder.Policy
	clock  clock.Clock
}

// NewRenderer creates a renderer. policy is used to tell the last fire of
// a tier apart from the others.
func NewRenderer(policy *reminder.Policy, clk clock.Clock) *Renderer {
	if clk == nil {
		clk = clock.New()
	}
	return &Renderer{policy: policy, clock: clk}
}

// Render returns the text for the fire after r.FireCount.
func (m *Renderer) Render(r reminder.Reminder) (string, error) {
	n := r.FireCount + 1

	tmpl := finalTmpl
	switch n {
	case 1:
		tmpl = firstTmpl
	case 2:
		tmpl = secondTmpl
	case 3:
		tmpl = thirdTmpl
	}

	last := m.policy != nil && n >= m.policy.Attempts(r.Priority)
	return execute(tmpl, m.view(r, last))
}

// RenderMissed returns the notice sent when r expires unacknowledged.
func (m *Renderer) RenderMissed(r reminder.Reminder) (string, error) {
	return execute(missedTmpl, m.view(r, true))
}

func (m *Renderer) view(r reminder.Reminder, last bool) view {
	task := r.Title
	if task == "" {
		task = r.SubjectRef
	}

	elapsed := int(m.clock.Now().Sub(r.DueAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}

	return view{
		Task:     task,
		Elapsed:  elapsed,
		Priority: string(r.Priority),
		Fires:    r.FireCount,
		Last:     last,
	}
}

func execute(tmpl *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
