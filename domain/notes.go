package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note is a remote content object stored by the Create handler. Articles,
// Pages and Questions are stored as notes with their original type.
type Note struct {
	Id             uuid.UUID
	ObjectURI      string
	ObjectType     string
	ActorURI       string
	Content        string
	InReplyToURI   string
	Sensitive      bool
	ContentWarning string
	Published      time.Time
	EditedAt       *time.Time // nil if never edited
	CreatedAt      time.Time
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tObject: %s \n\tActor: %s \n\tContent: %s \n\tCreatedAt: %s)", note.Id, note.ObjectURI, note.ActorURI, note.Content, note.CreatedAt)
}
