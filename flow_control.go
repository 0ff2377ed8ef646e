package mqttv5

// defaultReceiveMaximum applies when the server sends no Receive Maximum.
const defaultReceiveMaximum = 65535

// flowControl tracks outbound QoS 1 and 2 publishes against the server's
// Receive Maximum. A publish holds one unit of quota from the moment it is
// written until its PUBACK, PUBCOMP or error PUBREC arrives.
//
// It has no lock of its own: the Client guards it with its session mutex.
type flowControl struct {
	receiveMaximum uint16
	inFlight       uint16
}

func newFlowControl(receiveMaximum uint16) *flowControl {
	f := &flowControl{}
	f.setReceiveMaximum(receiveMaximum)
	return f
}

func (f *flowControl) setReceiveMaximum(maximum uint16) {
	if maximum == 0 {
		maximum = defaultReceiveMaximum
	}
	f.receiveMaximum = maximum
}

func (f *flowControl) available() uint16 {
	if f.inFlight >= f.receiveMaximum {
		return 0
	}
	return f.receiveMaximum - f.inFlight
}

// tryAcquire takes one unit of quota if any is left.
func (f *flowControl) tryAcquire() bool {
	if f.inFlight >= f.receiveMaximum {
		return false
	}
	f.inFlight++
	return true
}

// acquire takes one unit unconditionally. Used for PUBREL retransmission on
// a resumed session, where the flow already counted before the reconnect.
func (f *flowControl) acquire() {
	if f.inFlight < maxUint16 {
		f.inFlight++
	}
}

func (f *flowControl) release() {
	if f.inFlight > 0 {
		f.inFlight--
	}
}

func (f *flowControl) reset() {
	f.inFlight = 0
}
