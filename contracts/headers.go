package contracts

// HeaderReplySelector names, on a request, the header a responder must copy
// onto its reply so the reply reaches the selecting gateway
const HeaderReplySelector = "Mmate-Reply-Selector"

// HeaderReplyInstance carries the gateway instance id on requests whose
// persistent reply destination has no selector header of its own
const HeaderReplyInstance = "Mmate-Reply-Instance"
