package chatloop

// Call session state machine: idle → ringing(incoming|outgoing) → active →
// idle, with ringing → idle on reject or cancel. The invariant held at all
// times is that at most one call session is ringing or active.
//
// applyCallIntent runs under the Reconciler's lock.
func (r *Reconciler) applyCallIntent(intent Intent) (bool, []Effect) {
	switch it := intent.(type) {
	case IncomingCall:
		if r.busy() {
			// No call waiting: the new call is refused upstream, the current
			// one is untouched.
			r.log.Debug().
				Int("peer", it.Peer).
				Str("roomId", it.RoomID).
				Msg("busy, auto-rejecting incoming call")
			return false, []Effect{RejectCallEffect{Peer: it.Peer, RoomID: it.RoomID, Kind: it.Kind}}
		}
		r.call = &CallSession{
			Peer:      it.Peer,
			RoomID:    it.RoomID,
			Kind:      it.Kind,
			Direction: CallIncoming,
			Phase:     CallRinging,
		}
		return true, nil

	case OutgoingCall:
		if r.busy() {
			r.log.Warn().Int("peer", it.Peer).Msg("cannot start call, another call is in progress")
			return false, nil
		}
		r.call = &CallSession{
			Peer:      it.Peer,
			RoomID:    it.RoomID,
			Kind:      it.Kind,
			Direction: CallOutgoing,
			Phase:     CallRinging,
		}
		return true, nil

	case CallAccepted:
		if r.call == nil || r.call.Phase != CallRinging {
			return false, nil
		}
		r.call.Phase = CallActive
		return true, nil

	case CallRejected:
		if r.call == nil || r.call.Phase != CallRinging {
			return false, nil
		}
		r.call = nil
		return true, nil

	case CallEnded:
		if r.call == nil {
			return false, nil
		}
		r.call = nil
		return true, nil
	}
	return false, nil
}

// busy reports whether a call session is ringing or active.
func (r *Reconciler) busy() bool {
	return r.call != nil && (r.call.Phase == CallRinging || r.call.Phase == CallActive)
}
