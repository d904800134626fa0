package shell

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/atinyakov/FlashKeeper/internal/models"
)

// Prompter reads answers to interactive questions line by line.
type Prompter struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewPrompter returns a Prompter reading from in and printing questions to
// out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(in), out: out}
}

// Ask prints label and returns the trimmed answer. It returns io.EOF once
// the input is exhausted.
func (p *Prompter) Ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(p.scanner.Text()), nil
}

// PromptCard asks for the content of a new card. Lists are separated by ';'
// and collection ids by ','.
func (p *Prompter) PromptCard() (models.Card, error) {
	var card models.Card
	answers, err := p.askAll(
		"Simplified: ",
		"Pinyin: ",
		"Meanings (separated by ;): ",
		"Examples (separated by ;): ",
		"Tags (separated by ,): ",
		"Collection ids (separated by ,): ",
	)
	if err != nil {
		return card, err
	}
	card.Simplified = answers[0]
	card.Pinyin = answers[1]
	card.Meanings = splitList(answers[2], ";")
	card.Examples = splitList(answers[3], ";")
	card.Tags = splitList(answers[4], ",")
	card.CollectionIDs, err = parseIDs(answers[5])
	return card, err
}

// PromptEditCard asks for new values of the content fields. An empty answer
// keeps the current value and "-" clears it.
func (p *Prompter) PromptEditCard(card models.Card) (models.Card, error) {
	out := card.Clone()
	answers, err := p.askAll(
		fmt.Sprintf("Simplified [%s]: ", card.Simplified),
		fmt.Sprintf("Pinyin [%s]: ", card.Pinyin),
		fmt.Sprintf("Meanings [%s]: ", strings.Join(card.Meanings, "; ")),
		fmt.Sprintf("Examples [%s]: ", strings.Join(card.Examples, "; ")),
		fmt.Sprintf("Tags [%s]: ", strings.Join(card.Tags, ", ")),
		fmt.Sprintf("Collection ids [%s]: ", joinIDs(card.CollectionIDs)),
	)
	if err != nil {
		return out, err
	}
	if answers[0] != "" {
		out.Simplified = answers[0]
	}
	editString(&out.Pinyin, answers[1])
	editList(&out.Meanings, answers[2], ";")
	editList(&out.Examples, answers[3], ";")
	editList(&out.Tags, answers[4], ",")
	switch answers[5] {
	case "":
	case "-":
		out.CollectionIDs = []models.ID{}
	default:
		if out.CollectionIDs, err = parseIDs(answers[5]); err != nil {
			return out, err
		}
	}
	return out, nil
}

// PromptCollection asks for a new collection.
func (p *Prompter) PromptCollection() (models.Collection, error) {
	answers, err := p.askAll("Name: ", "Description: ")
	if err != nil {
		return models.Collection{}, err
	}
	return models.Collection{Name: answers[0], Description: answers[1]}, nil
}

// PromptEditCollection asks for new collection values; empty keeps and "-"
// clears the description.
func (p *Prompter) PromptEditCollection(col models.Collection) (models.Collection, error) {
	answers, err := p.askAll(
		fmt.Sprintf("Name [%s]: ", col.Name),
		fmt.Sprintf("Description [%s]: ", col.Description),
	)
	if err != nil {
		return col, err
	}
	if answers[0] != "" {
		col.Name = answers[0]
	}
	editString(&col.Description, answers[1])
	return col, nil
}

// PromptCredentials asks for a username and password.
func (p *Prompter) PromptCredentials() (models.Credentials, error) {
	answers, err := p.askAll("Username: ", "Password: ")
	if err != nil {
		return models.Credentials{}, err
	}
	return models.Credentials{Username: answers[0], Password: answers[1]}, nil
}

// PromptRating asks for a review grade until a valid one is entered. ok is
// false when the user chose to stop.
func (p *Prompter) PromptRating() (rating int, ok bool, err error) {
	for {
		answer, err := p.Ask("Grade 0-5 (0 again, 3 hard, 4 good, 5 easy, q to stop): ")
		if err != nil {
			return 0, false, err
		}
		if answer == "q" {
			return 0, false, nil
		}
		n, convErr := strconv.Atoi(answer)
		if convErr == nil && n >= 0 && n <= 5 {
			return n, true, nil
		}
		fmt.Fprintln(p.out, "Please enter a number between 0 and 5")
	}
}

// ReadCardsFile loads cards from a JSON array, as written by the export
// command.
func ReadCardsFile(path string) ([]models.Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", path, err)
	}
	var cards []models.Card
	if err := json.Unmarshal(data, &cards); err != nil {
		return nil, fmt.Errorf("failed to decode cards: %w", err)
	}
	return cards, nil
}

func (p *Prompter) askAll(labels ...string) ([]string, error) {
	answers := make([]string, len(labels))
	for i, label := range labels {
		a, err := p.Ask(label)
		if err != nil {
			return nil, err
		}
		answers[i] = a
	}
	return answers, nil
}

func splitList(s, sep string) []string {
	out := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func editString(dst *string, answer string) {
	switch answer {
	case "":
	case "-":
		*dst = ""
	default:
		*dst = answer
	}
}

func editList(dst *[]string, answer, sep string) {
	switch answer {
	case "":
	case "-":
		*dst = []string{}
	default:
		*dst = splitList(answer, sep)
	}
}

func parseIDs(s string) ([]models.ID, error) {
	ids := []models.ID{}
	for _, part := range splitList(s, ",") {
		id, err := models.ParseID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func joinIDs(ids []models.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
