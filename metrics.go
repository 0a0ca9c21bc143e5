// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package duplex

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int // undecodable messages and stray responses
	callIn      expvar.Int // number of inbound requests received
	callInErr   expvar.Int // number of inbound requests reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	notifyIn    expvar.Int // number of inbound notifications
	notifyOut   expvar.Int // number of outbound notifications
	callActive  expvar.Int // inbound
	callPending expvar.Int // outbound

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("messages_received", &pm.msgRecv)
	pm.emap.Set("messages_sent", &pm.msgSent)
	pm.emap.Set("messages_dropped", &pm.msgDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("notifications_in", &pm.notifyIn)
	pm.emap.Set("notifications_out", &pm.notifyOut)
	pm.emap.Set("calls_pending", &pm.callPending)
	return pm
}
