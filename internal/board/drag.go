package board

import (
	"context"
	"fmt"
	"math"
)

type DragState int

const (
	Idle DragState = iota
	Pending
	Dragging
)

func (s DragState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Dragging:
		return "dragging"
	default:
		return "idle"
	}
}

// DragSession turns pointer events into at most one reclassification. A
// press only becomes a drag once the pointer has moved Distance; releasing
// before that is a click. Drop and Cancel always return the session to Idle.
type DragSession struct {
	board    *Board
	Distance float64

	state  DragState
	itemID string
	source string
	startX float64
	startY float64
	over   string
}

// NewDragSession starts an idle session using the board's activation distance.
func (b *Board) NewDragSession() *DragSession {
	return &DragSession{board: b, Distance: b.ActivationDistance}
}

func (s *DragSession) State() DragState { return s.state }

func (s *DragSession) Active() bool { return s.state == Dragging }

func (s *DragSession) Item() string { return s.itemID }

func (s *DragSession) Source() string { return s.source }

func (s *DragSession) OverGroup() string { return s.over }

// PointerDown grabs an item by its handle.
func (s *DragSession) PointerDown(itemID string, x, y float64) error {
	if s.state != Idle {
		return fmt.Errorf("drag session already %s", s.state)
	}
	source, err := s.board.groupOfItem(itemID)
	if err != nil {
		return err
	}
	s.state = Pending
	s.itemID, s.source = itemID, source
	s.startX, s.startY = x, y
	s.over = ""
	return nil
}

// PointerMove reports whether the session is dragging after the move.
func (s *DragSession) PointerMove(x, y float64) bool {
	if s.state == Pending && math.Hypot(x-s.startX, y-s.startY) >= s.Distance {
		s.state = Dragging
		s.board.metrics().ObserveDrop("started")
	}
	return s.state == Dragging
}

// Over records the group under the pointer. An empty id means outside any
// group.
func (s *DragSession) Over(groupID string) {
	if s.state == Dragging {
		s.over = groupID
	}
}

// Drop releases the pointer over the current target. A pending press is
// reported as a click and mutates nothing.
func (s *DragSession) Drop(ctx context.Context) (DropResult, error) {
	defer s.reset()
	switch s.state {
	case Dragging:
		return s.board.Drop(ctx, s.itemID, s.over)
	case Pending:
		return DropResult{Item: s.itemID, From: s.source, Outcome: OutcomeClick}, nil
	default:
		return DropResult{Outcome: OutcomeNoop}, nil
	}
}

// PointerUp ends a press that never became a drag and reports the click.
func (s *DragSession) PointerUp() bool {
	if s.state != Pending {
		return false
	}
	s.reset()
	return true
}

func (s *DragSession) Cancel() {
	if s.state == Dragging {
		s.board.metrics().ObserveDrop("cancelled")
	}
	s.reset()
}

func (s *DragSession) reset() {
	s.state = Idle
	s.itemID, s.source, s.over = "", "", ""
}
