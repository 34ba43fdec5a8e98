package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ActorKind distinguishes system-initiated work from a person's action.
type ActorKind string

const (
	ActorKindSystem ActorKind = "system"
	ActorKindHuman  ActorKind = "human"
)

// Actor identifies who performed a transition: the system itself or a
// human with an id. The zero value is invalid.
type Actor struct {
	kind ActorKind
	id   uuid.UUID
}

// SystemActor is the actor for scheduled and automatic work.
func SystemActor() Actor {
	return Actor{kind: ActorKindSystem}
}

// HumanActor is the actor for a person identified by id.
func HumanActor(id uuid.UUID) Actor {
	return Actor{kind: ActorKindHuman, id: id}
}

// ActorFromColumns rebuilds an Actor from its stored kind and nullable id.
func ActorFromColumns(kind string, id *uuid.UUID) (Actor, error) {
	switch ActorKind(kind) {
	case ActorKindSystem:
		return SystemActor(), nil
	case ActorKindHuman:
		if id == nil || *id == uuid.Nil {
			return Actor{}, fmt.Errorf("human actor without id")
		}
		return HumanActor(*id), nil
	default:
		return Actor{}, fmt.Errorf("unknown actor kind %q", kind)
	}
}

func (a Actor) Kind() ActorKind { return a.kind }

func (a Actor) IsSystem() bool { return a.kind == ActorKindSystem }

func (a Actor) IsHuman() bool { return a.kind == ActorKindHuman }

// Valid reports whether the actor is System or a Human with a non-nil id.
func (a Actor) Valid() bool {
	return a.kind == ActorKindSystem || (a.kind == ActorKindHuman && a.id != uuid.Nil)
}

// ID returns the human's id; ok is false for the system actor.
func (a Actor) ID() (uuid.UUID, bool) {
	if a.kind != ActorKindHuman {
		return uuid.Nil, false
	}
	return a.id, true
}

// IDPtr returns the id for nullable storage columns.
func (a Actor) IDPtr() *uuid.UUID {
	if a.kind != ActorKindHuman {
		return nil
	}
	id := a.id
	return &id
}

func (a Actor) String() string {
	if a.kind == ActorKindHuman {
		return "human:" + a.id.String()
	}
	if a.kind == ActorKindSystem {
		return "system"
	}
	return "invalid"
}

type actorJSON struct {
	Kind ActorKind  `json:"kind"`
	ID   *uuid.UUID `json:"id,omitempty"`
}

func (a Actor) MarshalJSON() ([]byte, error) {
	return json.Marshal(actorJSON{Kind: a.kind, ID: a.IDPtr()})
}

func (a *Actor) UnmarshalJSON(data []byte) error {
	var raw actorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ActorFromColumns(string(raw.Kind), raw.ID)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
