/*
Package query correlates outgoing queries with their responses.

A Manager sends a query envelope with a fresh nonce and keeps a Pending
record keyed by (channel, nonce) until a terminal response, a timeout, a
cancel or the loss of the channel settles it. Responses for keys that are no
longer outstanding are dropped without effect, so a late or duplicate
response can never touch another query.

	qm := query.NewManager(query.WithLogger(logger), query.WithMetrics(metrics))

	p, err := qm.Issue(ch, types.MethodModuleCall, data,
		query.WithTimeout(5*time.Second),
		query.WithUpdates(func(u any) { log.Println("progress", u) }))
	if err != nil {
		return err
	}
	result, err := p.Wait(ctx)
*/
package query
