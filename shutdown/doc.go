// Package shutdown stops a replykit process in order.
//
// Components register a stop function under a phase. On SIGTERM, SIGINT or
// an explicit Shutdown, phases run from lowest to highest and the stop
// functions within one phase run concurrently:
//
//	PhaseIntake  stop taking work: HTTP server, scheduler, consumers
//	PhaseDrain   let dispatched runs finish, then cancel the rest
//	PhaseFlush   export spans and metrics
//	PhaseClose   close the bus, state store and task database
//
// Every phase shares one deadline. A run still in a stage when the drain
// phase gives up is canceled and its task is marked failed, so the next
// poll or a manual process request can pick it up again.
package shutdown
