package flag

import "fmt"

// Rule describes one automatic QC check. Code is the stable identifier
// written into rebuild codes.
type Rule struct {
	Code  string
	Short string
	Long  string // fmt template: column name, field value, valid value
}

// Built-in rules.
const (
	RuleRange    = "RANGE"
	RuleMissing  = "MISSING"
	RuleConstant = "CONSTANT"
)

// rules is fixed at build time. Rebuild codes stored in the database refer to
// these codes, so they are never removed or renamed.
var rules = map[string]Rule{
	RuleRange:    {Code: RuleRange, Short: "Out of range", Long: "%s value %s outside range %s"},
	RuleMissing:  {Code: RuleMissing, Short: "Missing value", Long: "%s value missing%s%s"},
	RuleConstant: {Code: RuleConstant, Short: "Constant value", Long: "%s value %s constant for %s"},
}

// Lookup returns the rule behind code.
func Lookup(code string) (Rule, bool) {
	r, ok := rules[code]
	return r, ok
}

// Message is a single QC finding attached to a row.
type Message struct {
	Code       string `json:"code"`
	Row        int    `json:"row"`
	Column     int    `json:"column"`
	ColumnName string `json:"column_name"`
	Flag       Flag   `json:"flag"`
	FieldValue string `json:"field_value"`
	ValidValue string `json:"valid_value"`
}

// ShortMessage is the human summary written into comments.
func (m Message) ShortMessage() string {
	if r, ok := Lookup(m.Code); ok {
		return r.Short
	}
	return m.Code
}

// LongMessage renders the rule template with the message's fields.
func (m Message) LongMessage() string {
	r, ok := Lookup(m.Code)
	if !ok || r.Long == "" {
		return fmt.Sprintf("%s: %s %s", m.Code, m.ColumnName, m.FieldValue)
	}
	return fmt.Sprintf(r.Long, m.ColumnName, m.FieldValue, m.ValidValue)
}
