/*
Package publishworker implements PublishWorker (see container and db):
block for one publish request, drain any others that arrived in the
meantime without blocking, then run exactly one publish cycle and
reply to every coalesced caller with the same publish pk.
*/
package publishworker
