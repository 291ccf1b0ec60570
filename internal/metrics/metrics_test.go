package metrics

import "testing"

func TestCollectorInitialState(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()
	if snap.RequestsRouted != 0 || snap.CrossSlotRejected != 0 || snap.ProtocolErrors != 0 ||
		snap.UpstreamReconnects != 0 || snap.ClientsActive != 0 || snap.ClientsPrivate != 0 {
		t.Errorf("fresh collector should be all zero, got %+v", snap)
	}
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RequestRouted()
	c.RequestRouted()
	c.CrossSlotRejection()
	c.ProtocolError()
	c.UpstreamReconnect()

	snap := c.Snapshot()
	if snap.RequestsRouted != 2 {
		t.Errorf("RequestsRouted = %d, want 2", snap.RequestsRouted)
	}
	if snap.CrossSlotRejected != 1 {
		t.Errorf("CrossSlotRejected = %d, want 1", snap.CrossSlotRejected)
	}
	if snap.ProtocolErrors != 1 {
		t.Errorf("ProtocolErrors = %d, want 1", snap.ProtocolErrors)
	}
	if snap.UpstreamReconnects != 1 {
		t.Errorf("UpstreamReconnects = %d, want 1", snap.UpstreamReconnects)
	}
}

func TestCollectorClientGauges(t *testing.T) {
	c := NewCollector()

	c.ClientConnected()
	c.ClientConnected()
	c.ClientWentPrivate()
	c.ClientDisconnected()

	snap := c.Snapshot()
	if snap.ClientsActive != 1 {
		t.Errorf("ClientsActive = %d, want 1", snap.ClientsActive)
	}
	if snap.ClientsPrivate != 1 {
		t.Errorf("ClientsPrivate = %d, want 1", snap.ClientsPrivate)
	}
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector()
	c.RequestRouted()
	c.ClientConnected()
	c.ClientWentPrivate()

	c.Reset()

	snap := c.Snapshot()
	if snap.RequestsRouted != 0 {
		t.Errorf("RequestsRouted after reset = %d, want 0", snap.RequestsRouted)
	}
	if snap.ClientsActive != 0 || snap.ClientsPrivate != 0 {
		t.Errorf("client gauges after reset = %+v, want zero", snap)
	}
}
