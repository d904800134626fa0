// Package shell implements the interactive flashcard shell of the client.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/coordinator"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
)

const helpText = `Available commands:
  cards                      list cards
  card <id>                  show a card
  add                        create a card
  edit <id>                  edit a card
  delete <id>                delete a card
  import <file>              create cards from a JSON file
  export <file>              write all cards to a JSON file
  collections                list collections
  addcol                     create a collection
  editcol <id>               edit a collection
  delcol <id>                delete a collection
  study [n] [collection]     review due cards
  lookup <word>              search installed dictionaries
  datasets <id>...           select dictionary datasets
  sync                       refresh from the server and send queued changes
  online | offline           switch connectivity
  status                     show sync status
  help                       show this help
  exit                       leave the shell`

// Coordinator is the part of the offline-sync coordinator the shell drives.
type Coordinator interface {
	Snapshot() models.UserSnapshot
	Card(id models.ID) (models.Card, bool)
	Status() coordinator.Status
	CreateCard(ctx context.Context, card models.Card) (coordinator.Result, error)
	UpdateCard(ctx context.Context, card models.Card) (coordinator.Result, error)
	DeleteCard(ctx context.Context, id models.ID) (coordinator.Result, error)
	CreateCollection(ctx context.Context, col models.Collection) (coordinator.Result, error)
	UpdateCollection(ctx context.Context, col models.Collection) (coordinator.Result, error)
	DeleteCollection(ctx context.Context, id models.ID) (coordinator.Result, error)
	SelectDatasets(ctx context.Context, selected []string) (coordinator.Result, error)
	Schedule(ctx context.Context, n int, collection *models.ID) ([]models.Card, error)
	RecordReview(ctx context.Context, cardID models.ID, rating int, responseTimeMs int64) (coordinator.Review, error)
	Refresh(ctx context.Context) error
	Flush(ctx context.Context) error
	SetOnline(ctx context.Context, online bool) error
}

// Dictionary searches installed dictionary datasets.
type Dictionary interface {
	LookupEntries(ctx context.Context, query string, limit int) ([]models.DictEntry, error)
}

// Shell is a line-oriented REPL over the coordinator.
type Shell struct {
	coord  Coordinator
	dict   Dictionary
	prompt *Prompter
	out    io.Writer
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Shell. dict may be nil when no dictionary is available.
func New(coord Coordinator, dict Dictionary, in io.Reader, out io.Writer, logger *zap.Logger) *Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{
		coord:  coord,
		dict:   dict,
		prompt: NewPrompter(in, out),
		out:    out,
		logger: logger,
		now:    time.Now,
	}
}

// Run reads commands until exit, end of input or ctx cancellation.
func (s *Shell) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := s.prompt.Ask("flashkeeper> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		quit, err := s.Exec(ctx, args)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// Exec runs a single command. quit is set by exit.
func (s *Shell) Exec(ctx context.Context, args []string) (quit bool, err error) {
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "exit", "quit":
		return true, nil
	case "cards":
		s.listCards()
	case "card":
		err = withID(args, func(id models.ID) error { return s.showCard(id) })
	case "add":
		err = s.addCard(ctx)
	case "edit":
		err = withID(args, func(id models.ID) error { return s.editCard(ctx, id) })
	case "delete":
		err = withID(args, func(id models.ID) error {
			res, err := s.coord.DeleteCard(ctx, id)
			s.report("Card deleted", res, err)
			return err
		})
	case "import":
		if len(args) < 2 {
			return false, errors.New("usage: import <file>")
		}
		err = s.importCards(ctx, args[1])
	case "export":
		if len(args) < 2 {
			return false, errors.New("usage: export <file>")
		}
		err = s.exportCards(args[1])
	case "collections":
		s.listCollections()
	case "addcol":
		err = s.addCollection(ctx)
	case "editcol":
		err = withID(args, func(id models.ID) error { return s.editCollection(ctx, id) })
	case "delcol":
		err = withID(args, func(id models.ID) error {
			res, err := s.coord.DeleteCollection(ctx, id)
			s.report("Collection deleted", res, err)
			return err
		})
	case "study":
		err = s.study(ctx, args[1:])
	case "lookup":
		if len(args) < 2 {
			return false, errors.New("usage: lookup <word>")
		}
		err = s.lookup(ctx, strings.Join(args[1:], " "))
	case "datasets":
		res, err := s.coord.SelectDatasets(ctx, args[1:])
		s.report("Dataset selection saved", res, err)
		return false, err
	case "sync":
		err = errors.Join(s.coord.Refresh(ctx), s.coord.Flush(ctx))
		s.printStatus()
	case "online":
		err = s.coord.SetOnline(ctx, true)
		s.printStatus()
	case "offline":
		err = s.coord.SetOnline(ctx, false)
		s.printStatus()
	case "status":
		s.printStatus()
	default:
		fmt.Fprintf(s.out, "Unknown command %q, type help\n", args[0])
	}
	return false, err
}

func withID(args []string, fn func(models.ID) error) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <id>", args[0])
	}
	id, err := models.ParseID(args[1])
	if err != nil {
		return err
	}
	return fn(id)
}

func (s *Shell) listCards() {
	snap := s.coord.Snapshot()
	if len(snap.Cards) == 0 {
		fmt.Fprintln(s.out, "No cards")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIMPLIFIED\tPINYIN\tNEXT DUE\tINTERVAL")
	for _, c := range snap.Cards {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dd\n", c.ID, c.Simplified, c.Pinyin, c.NextDue.Local().Format(time.DateOnly), c.IntervalDays)
	}
	_ = tw.Flush()
}

func (s *Shell) showCard(id models.ID) error {
	card, ok := s.coord.Card(id)
	if !ok {
		return fmt.Errorf("card %s: %w", id, coordinator.ErrNotFound)
	}
	b, _ := json.MarshalIndent(card, "", "  ")
	fmt.Fprintln(s.out, string(b))
	return nil
}

func (s *Shell) addCard(ctx context.Context) error {
	card, err := s.prompt.PromptCard()
	if err != nil {
		return err
	}
	res, err := s.coord.CreateCard(ctx, card)
	s.report(fmt.Sprintf("Card %s created", res.ID), res, err)
	return err
}

func (s *Shell) editCard(ctx context.Context, id models.ID) error {
	card, ok := s.coord.Card(id)
	if !ok {
		return fmt.Errorf("card %s: %w", id, coordinator.ErrNotFound)
	}
	card, err := s.prompt.PromptEditCard(card)
	if err != nil {
		return err
	}
	res, err := s.coord.UpdateCard(ctx, card)
	s.report("Card updated", res, err)
	return err
}

func (s *Shell) importCards(ctx context.Context, path string) error {
	cards, err := ReadCardsFile(path)
	if err != nil {
		return err
	}
	var errs []error
	created := 0
	for _, card := range cards {
		// imported cards start fresh
		card.ID = models.ID{}
		card.Easiness, card.IntervalDays, card.Repetitions = 0, 0, 0
		card.NextDue = time.Time{}
		if _, err := s.coord.CreateCard(ctx, card); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", card.Simplified, err))
			continue
		}
		created++
	}
	fmt.Fprintf(s.out, "Imported %d of %d cards\n", created, len(cards))
	return errors.Join(errs...)
}

func (s *Shell) exportCards(path string) error {
	snap := s.coord.Snapshot()
	b, err := json.MarshalIndent(snap.Cards, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("failed to write file %q: %w", path, err)
	}
	fmt.Fprintf(s.out, "Exported %d cards\n", len(snap.Cards))
	return nil
}

func (s *Shell) listCollections() {
	snap := s.coord.Snapshot()
	if len(snap.Collections) == 0 {
		fmt.Fprintln(s.out, "No collections")
		return
	}
	counts := make(map[models.ID]int)
	for _, c := range snap.Cards {
		for _, id := range c.CollectionIDs {
			counts[id]++
		}
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCARDS\tDESCRIPTION")
	for _, col := range snap.Collections {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", col.ID, col.Name, counts[col.ID], col.Description)
	}
	_ = tw.Flush()
}

func (s *Shell) addCollection(ctx context.Context) error {
	col, err := s.prompt.PromptCollection()
	if err != nil {
		return err
	}
	res, err := s.coord.CreateCollection(ctx, col)
	s.report(fmt.Sprintf("Collection %s created", res.ID), res, err)
	return err
}

func (s *Shell) editCollection(ctx context.Context, id models.ID) error {
	snap := s.coord.Snapshot()
	i := snap.CollectionIndex(id)
	if i < 0 {
		return fmt.Errorf("collection %s: %w", id, coordinator.ErrNotFound)
	}
	col, err := s.prompt.PromptEditCollection(snap.Collections[i])
	if err != nil {
		return err
	}
	res, err := s.coord.UpdateCollection(ctx, col)
	s.report("Collection updated", res, err)
	return err
}

// study runs a review session: study [n] [collection].
func (s *Shell) study(ctx context.Context, args []string) error {
	n := 20
	var collection *models.ID
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid card count %q", args[0])
		}
		n = v
	}
	if len(args) > 1 {
		id, err := models.ParseID(args[1])
		if err != nil {
			return err
		}
		collection = &id
	}

	cards, err := s.coord.Schedule(ctx, n, collection)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		fmt.Fprintln(s.out, "Nothing to study")
		return nil
	}

	reviewed := 0
	for i, card := range cards {
		fmt.Fprintf(s.out, "\n[%d/%d] %s\n", i+1, len(cards), card.Simplified)
		shown := s.now()
		if _, err := s.prompt.Ask("Press enter to reveal"); err != nil {
			return err
		}
		elapsed := s.now().Sub(shown)
		fmt.Fprintf(s.out, "%s  %s\n", card.Pinyin, strings.Join(card.Meanings, "; "))
		for _, ex := range card.Examples {
			fmt.Fprintf(s.out, "  %s\n", ex)
		}

		rating, ok, err := s.prompt.PromptRating()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		review, err := s.coord.RecordReview(ctx, card.ID, rating, elapsed.Milliseconds())
		if err != nil {
			return err
		}
		reviewed++
		fmt.Fprintf(s.out, "Next review in %d day(s)\n", review.Card.IntervalDays)
	}
	fmt.Fprintf(s.out, "Reviewed %d card(s)\n", reviewed)
	return nil
}

func (s *Shell) lookup(ctx context.Context, query string) error {
	if s.dict == nil {
		return errors.New("no dictionary installed")
	}
	entries, err := s.dict.LookupEntries(ctx, query, 20)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No matches")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(s.out, "%s (%s) %s: %s\n", e.Simplified, e.Traditional, e.Pinyin, strings.Join(e.Meanings, "; "))
	}
	return nil
}

func (s *Shell) printStatus() {
	st := s.coord.Status()
	mode := "offline"
	if st.Online {
		mode = "online"
	}
	fmt.Fprintf(s.out, "Mode: %s, pending changes: %d\n", mode, st.Pending)
	if !st.LastSync.IsZero() {
		fmt.Fprintf(s.out, "Last sync: %s\n", st.LastSync.Local().Format(time.DateTime))
	}
	if st.AuthRequired {
		fmt.Fprintln(s.out, "Session expired: run login")
	}
	if st.Degraded {
		fmt.Fprintln(s.out, "Warning: local storage unavailable")
	}
	if st.Message != "" {
		fmt.Fprintln(s.out, st.Message)
	}
}

// report prints msg for a successful mutation and any stage that was
// recovered locally.
func (s *Shell) report(msg string, res coordinator.Result, err error) {
	if err != nil {
		return
	}
	fmt.Fprintln(s.out, msg)
	for _, st := range res.Stages {
		if st.Err != nil {
			s.logger.Debug("mutation stage failed", zap.String("stage", string(st.Stage)), zap.Error(st.Err))
			fmt.Fprintf(s.out, "  note: %s step failed, the change is kept locally\n", st.Stage)
		}
	}
}
