package ui

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/trackflow/featsync/internal/feature"
)

// ErrNotInteractive is returned by prompts when stdin is not a terminal.
var ErrNotInteractive = errors.New("not an interactive terminal")

// FeatureInput is what PromptFeature collects.
type FeatureInput struct {
	Name        string
	Description string
}

// FeatureForm builds the form PromptFeature runs, pre-filled from in.
func FeatureForm(in *FeatureInput) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Value(&in.Name).
				Validate(feature.ValidateName),
			huh.NewText().
				Title("Description").
				CharLimit(feature.MaxDescriptionLength).
				Value(&in.Description).
				Validate(feature.ValidateDescription),
		),
	)
}

// PromptFeature asks for a feature's name and description.
func PromptFeature(in *FeatureInput) error {
	if !IsTerminal(os.Stdin) {
		return ErrNotInteractive
	}
	return FeatureForm(in).Run()
}

// Confirm asks a yes/no question. It returns false without asking when
// stdin is not a terminal.
func Confirm(title string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, nil
	}
	var ok bool
	err := huh.NewConfirm().Title(title).Value(&ok).Run()
	return ok, err
}
