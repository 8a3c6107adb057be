package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/roach88/loopsync/internal/transport"
)

// Run shows the view full-screen until the user quits or ctx is done.
func Run(ctx context.Context, eng Engine, meter transport.Config) error {
	p := tea.NewProgram(NewModel(eng, meter), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
