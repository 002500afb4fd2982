// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lively

import "expvar"

// clientMetrics record client activity counters.
type clientMetrics struct {
	msgRecv          expvar.Int
	msgSent          expvar.Int
	msgDropped       expvar.Int // undecodable inbound frames
	msgNotUnderstood expvar.Int // inbound messages with no handler
	handlerErr       expvar.Int // handlers reporting an error or panicking
	discoverReq      expvar.Int // getSessions requests queued
	discoverFound    expvar.Int // peers bound by discovery
	queued           expvar.Int // gauge of messages held in queue backlogs

	emap *expvar.Map
}

var liveMetrics = newClientMetrics()

func newClientMetrics() *clientMetrics {
	cm := &clientMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_received", &cm.msgRecv)
	cm.emap.Set("messages_sent", &cm.msgSent)
	cm.emap.Set("messages_dropped", &cm.msgDropped)
	cm.emap.Set("messages_not_understood", &cm.msgNotUnderstood)
	cm.emap.Set("handler_errors", &cm.handlerErr)
	cm.emap.Set("discovery_requests", &cm.discoverReq)
	cm.emap.Set("discovery_found", &cm.discoverFound)
	cm.emap.Set("messages_queued", &cm.queued)
	return cm
}
