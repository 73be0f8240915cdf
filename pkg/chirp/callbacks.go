package chirp

// completeSend fires m's send callback exactly once with the outcome,
// translating kind into an *Error (or nil for Success), and tallies the
// outcome under the matching messages_sent_total{result=...} counter. Every
// path that finishes a queued or in-flight send — successful completion,
// shutdown, timeout, a failed dial — funnels through here so both the
// callback-once guarantee and the metric live in one place.
func completeSend(mo *metricsObj, m *Message, kind ErrorKind, cause error) {
	if m == nil {
		return
	}
	switch kind {
	case Success:
		mo.messages_sent_total.success.Inc()
	case Timeout:
		mo.messages_sent_total.timeout.Inc()
	case CannotConnect:
		mo.messages_sent_total.cannot_connect.Inc()
	case WriteError:
		mo.messages_sent_total.write_error.Inc()
	case ProtocolError:
		mo.messages_sent_total.protocol_error.Inc()
	case Shutdown:
		mo.messages_sent_total.shutdown.Inc()
	case ENoMem:
		mo.messages_sent_total.enomem.Inc()
	}
	if m.callback == nil {
		return
	}
	var err error
	if kind != Success {
		err = newErr(kind, cause)
	}
	cb := m.callback
	m.callback = nil
	cb(m, err)
}
