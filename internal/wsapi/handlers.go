package wsapi

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liftsync/meetserver/internal/auth"
	"github.com/liftsync/meetserver/internal/meet"
	"github.com/liftsync/meetserver/internal/storage"
)

// maxMeetIDGenerationAttempts bounds the collision-retry loop in
// handleCreateMeet; with a 9-digit space (up to 1e9 ids) this is never
// expected to be exhausted in practice.
const maxMeetIDGenerationAttempts = 10

func (c *Conn) handleCreateMeet(raw json.RawMessage) {
	var payload CreateMeetPayload
	if !c.decodeAndValidate(raw, &payload) {
		return
	}

	hashed, err := c.authSvc.HashNewMeetPassword(payload.Password)
	if err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: err.Error()})
		return
	}

	locations := []storage.LocationEntry{{Name: payload.LocationName, Priority: payload.Priority}}
	for _, l := range payload.Locations {
		locations = append(locations, storage.LocationEntry{Name: l.LocationName, Priority: l.Priority})
	}

	meetID, err := c.generateUniqueMeetID()
	if err != nil {
		log.Error().Err(err).Msg("generate meet id")
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: "could not allocate a meet id"})
		return
	}

	authBlob := auth.EncodeAuthBlob(hashed, locations, time.Now().UnixMilli())
	actor, err := c.registry.Create(meetID, authBlob, auth.LocationsToMap(locations))
	if err != nil {
		log.Error().Err(err).Str("meet_id", meetID).Msg("create meet")
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: "could not create meet"})
		return
	}

	session, err := c.authSvc.IssueSession(meetID, payload.LocationName)
	if err != nil {
		log.Error().Err(err).Msg("issue session")
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: "could not issue session"})
		return
	}

	if err := actor.Subscribe(session.Token, c.relay); err != nil {
		log.Error().Err(err).Msg("subscribe new meet")
	}

	c.meetID = meetID
	c.session = session
	c.actor = actor

	c.writeEnvelope(TypeMeetCreated, MeetCreatedPayload{
		MeetID:       meetID,
		SessionToken: session.Token,
		CSRFToken:    session.CSRFToken,
	})
}

func (c *Conn) generateUniqueMeetID() (string, error) {
	for i := 0; i < maxMeetIDGenerationAttempts; i++ {
		id, err := auth.GenerateMeetID()
		if err != nil {
			return "", err
		}
		if !c.store.ExistsAnywhere(id) {
			return id, nil
		}
	}
	return "", errors.New("exhausted meet id generation attempts")
}

func (c *Conn) handleJoinMeet(raw json.RawMessage) {
	var payload JoinMeetPayload
	if !c.decodeAndValidate(raw, &payload) {
		return
	}

	meetID, ok := auth.CanonicalizeMeetID(payload.MeetID)
	if !ok {
		c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidLocation})
		return
	}

	locationsMap, blob, err := c.locationsMapFor(meetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidLocation})
			return
		}
		log.Error().Err(err).Str("meet_id", meetID).Msg("load auth blob")
		c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidLocation})
		return
	}

	// Unknown-location JoinMeet is rejected (DESIGN.md's resolution of
	// spec.md §9's open question): a location's priority is fixed at
	// CreateMeet, never invented by a join.
	if _, known := locationsMap[payload.LocationName]; !known {
		c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidLocation})
		return
	}

	if err := c.authSvc.VerifyJoinPassword(c.remoteAddr(), payload.Password, blob); err != nil {
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectRateLimited})
		default:
			c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidCredentials})
		}
		return
	}

	actor, err := c.registry.Get(meetID, locationsMap)
	if err != nil {
		log.Error().Err(err).Str("meet_id", meetID).Msg("load meet actor")
		c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidLocation})
		return
	}

	session, err := c.authSvc.IssueSession(meetID, payload.LocationName)
	if err != nil {
		log.Error().Err(err).Msg("issue session")
		c.writeEnvelope(TypeJoinRejected, JoinRejectedPayload{Reason: RejectInvalidCredentials})
		return
	}

	if err := actor.Subscribe(session.Token, c.relay); err != nil {
		log.Error().Err(err).Msg("subscribe joined meet")
	}

	c.meetID = meetID
	c.session = session
	c.actor = actor

	c.writeEnvelope(TypeMeetJoined, MeetJoinedPayload{
		SessionToken: session.Token,
		CSRFToken:    session.CSRFToken,
	})
}

// sessionFor validates token and, on success, ensures c.actor points at
// the session's meet (reconnecting to the actor if this connection hasn't
// subscribed yet, e.g. a client resuming with a persisted session_token on
// a fresh connection).
func (c *Conn) sessionFor(meetID, token string) (*auth.Session, error) {
	session, err := c.authSvc.Validate(token)
	if err != nil {
		return nil, err
	}
	if session.MeetID != meetID {
		return nil, auth.ErrSessionNotFound
	}

	if c.actor == nil || c.meetID != meetID {
		locationsMap, _, err := c.locationsMapFor(meetID)
		if err != nil {
			return nil, err
		}
		actor, err := c.registry.Get(meetID, locationsMap)
		if err != nil {
			return nil, err
		}
		if err := actor.Subscribe(session.Token, c.relay); err != nil {
			return nil, err
		}
		c.meetID = meetID
		c.session = session
		c.actor = actor
	}

	return session, nil
}

func (c *Conn) handleUpdateInit(raw json.RawMessage) {
	var payload UpdateInitPayload
	if !c.decodeAndValidate(raw, &payload) {
		return
	}

	session, err := c.sessionFor(payload.MeetID, payload.SessionToken)
	if err != nil {
		c.writeEnvelope(TypeInvalidSession, InvalidSessionPayload{SessionToken: payload.SessionToken})
		return
	}

	proposed := make([]meet.ProposedUpdate, 0, len(payload.Updates))
	for _, u := range payload.Updates {
		proposed = append(proposed, meet.ProposedUpdate{
			Location:       u.Location,
			Value:          u.Value,
			LocalSeq:       u.LocalSeq,
			AfterServerSeq: u.AfterServerSeq,
		})
	}

	result, err := c.actor.ApplyUpdates(session.Token, session.Location, proposed)
	if err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: err.Error()})
		return
	}

	if len(result.Acks) > 0 {
		acks := make([]AckEntry, 0, len(result.Acks))
		for _, a := range result.Acks {
			acks = append(acks, AckEntry{LocalSeq: a.LocalSeq, ServerSeq: a.ServerSeq, Replaced: a.Replaced})
		}
		c.writeEnvelope(TypeUpdateAck, UpdateAckPayload{Acks: acks})
	}

	if len(result.Rejects) > 0 {
		rejects := make([]RejectEntry, 0, len(result.Rejects))
		for _, r := range result.Rejects {
			rejects = append(rejects, RejectEntry{LocalSeq: r.LocalSeq, Conflict: r.Conflict, Reason: r.Reason})
		}
		c.writeEnvelope(TypeUpdateRejected, UpdateRejectedPayload{Rejects: rejects})
	}
}

func (c *Conn) handleClientPull(raw json.RawMessage) {
	var payload ClientPullPayload
	if !c.decodeAndValidate(raw, &payload) {
		return
	}

	_, err := c.sessionFor(payload.MeetID, payload.SessionToken)
	if err != nil {
		c.writeEnvelope(TypeInvalidSession, InvalidSessionPayload{SessionToken: payload.SessionToken})
		return
	}

	updates, err := c.actor.Pull(payload.LastServerSeq)
	if err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: err.Error()})
		return
	}

	entries := make([]RelayEntry, 0, len(updates))
	lastSeq := payload.LastServerSeq
	for _, u := range updates {
		entries = append(entries, RelayEntry{
			ServerSeq:           u.ServerSeq,
			Location:            u.Location,
			Value:               u.Value,
			OriginatingLocation: u.OriginatingLocation,
		})
		lastSeq = u.ServerSeq
	}

	c.writeEnvelope(TypeServerPull, ServerPullPayload{Updates: entries, LastServerSeq: lastSeq})
}

func (c *Conn) handleRotateSession(raw json.RawMessage) {
	var payload RotateSessionPayload
	if !c.decodeAndValidate(raw, &payload) {
		return
	}

	session, err := c.sessionFor(payload.MeetID, payload.SessionToken)
	if err != nil {
		c.writeEnvelope(TypeInvalidSession, InvalidSessionPayload{SessionToken: payload.SessionToken})
		return
	}

	rotated, err := c.authSvc.Rotate(session.Token)
	if err != nil {
		c.writeEnvelope(TypeInvalidSession, InvalidSessionPayload{SessionToken: payload.SessionToken})
		return
	}

	if c.actor != nil {
		_ = c.actor.Unsubscribe(session.Token)
		if err := c.actor.Subscribe(rotated.Token, c.relay); err != nil {
			log.Error().Err(err).Msg("subscribe rotated session")
		}
	}
	c.session = rotated

	c.writeEnvelope(TypeSessionRotated, SessionRotatedPayload{SessionToken: rotated.Token, CSRFToken: rotated.CSRFToken})
}

func (c *Conn) handlePublishMeet(raw json.RawMessage) {
	var payload PublishMeetPayload
	if !c.decodeAndValidate(raw, &payload) {
		return
	}

	session, err := c.sessionFor(payload.MeetID, payload.SessionToken)
	if err != nil {
		c.writeEnvelope(TypeInvalidSession, InvalidSessionPayload{SessionToken: payload.SessionToken})
		return
	}
	_ = session

	if err := c.actor.Publish([]byte(payload.OPLCSV), payload.ReturnEmail); err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: err.Error()})
		return
	}

	c.writeEnvelope(TypePublishAck, PublishAckPayload{MeetID: payload.MeetID})
}
