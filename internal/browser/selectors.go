package browser

// Strategy locates the chat composer with one pair of CSS selectors.
type Strategy struct {
	Name  string
	Input string
	Send  string
}

// strategies are tried strictly in order, stopping at the first one whose
// input selector matches. The chat UI's markup drifts between releases, so
// the chain runs from the most specific structural shape down to a generic
// attribute probe.
var strategies = []Strategy{
	{
		Name:  "structural",
		Input: `main form textarea`,
		Send:  `main form button[type="submit"]`,
	},
	{
		Name:  "loose-structural",
		Input: `form textarea`,
		Send:  `form button[type="submit"]`,
	},
	{
		Name:  "class-based",
		Input: `textarea[class*="chat"], textarea[class*="message"]`,
		Send:  `button[class*="send"]`,
	},
	{
		Name:  "attribute-based",
		Input: `[contenteditable="true"], [role="textbox"]`,
		Send:  `button[aria-label*="end"]`,
	},
}
