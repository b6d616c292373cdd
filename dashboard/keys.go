package dashboard

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit       key.Binding
	Checkpoint key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Checkpoint: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "checkpoint"),
	),
}
