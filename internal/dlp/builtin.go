package dlp

// Built-in pattern ids.
const (
	PatternSSN          = "ssn"
	PatternCreditCard   = "credit_card"
	PatternEmail        = "email"
	PatternConfidential = "confidential"
	PatternPhone        = "phone"
	PatternIBAN         = "iban"
)

// Built-in policy ids.
const (
	PolicyPIIProtection          = "pii-protection"
	PolicyFinancialProtection    = "financial-data-protection"
	PolicyConfidentialProtection = "confidential-document-protection"
)

// BuiltinPatterns returns the patterns every engine ships with.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{
			ID:              PatternSSN,
			Name:            "US Social Security Number",
			DataType:        DataTypeSSN,
			Expression:      `\b\d{3}-?\d{2}-?\d{4}\b`,
			ContextKeywords: []string{"ssn", "social", "security"},
			FalsePositives:  []string{`\d{3}-?\d{2}-?0000`},
			ConfidenceFloor: 0.8,
		},
		{
			ID:              PatternCreditCard,
			Name:            "Credit Card Number",
			DataType:        DataTypeCreditCard,
			Expression:      `\b(?:\d{4}[-\s]?){3}\d{4}\b`,
			ContextKeywords: []string{"card", "visa", "mastercard", "amex"},
			Validators:      []string{ValidatorLuhn},
			FalsePositives:  []string{`^0000[-\s]?0000[-\s]?0000[-\s]?0000$`},
			ConfidenceFloor: 0.7,
		},
		{
			ID:              PatternEmail,
			Name:            "Email Address",
			DataType:        DataTypeEmail,
			Expression:      `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			ContextKeywords: []string{"email", "contact", "address"},
			FalsePositives:  []string{`test@example\.com`},
			ConfidenceFloor: 0.6,
		},
		{
			ID:              PatternConfidential,
			Name:            "Confidential Marker",
			DataType:        DataTypeConfidential,
			Expression:      `\b(confidential|proprietary|internal\s+use|restricted)\b`,
			CaseInsensitive: true,
			ContextKeywords: []string{"document", "distribution", "classified"},
			ConfidenceFloor: 0.5,
		},
		{
			ID:              PatternPhone,
			Name:            "US Phone Number",
			DataType:        DataTypePhone,
			Expression:      `\b(?:\+1[-.\s]?)?\(?[2-9][0-9]{2}\)?[-.\s]?[2-9][0-9]{2}[-.\s]?[0-9]{4}\b`,
			ContextKeywords: []string{"phone", "tel", "mobile", "call"},
			FalsePositives:  []string{`555[-.\s]?01\d\d`},
			ConfidenceFloor: 0.6,
		},
		{
			ID:              PatternIBAN,
			Name:            "International Bank Account Number",
			DataType:        DataTypeIBAN,
			Expression:      `\b[A-Z]{2}[0-9]{2}(?:\s?[A-Z0-9]{4}){3,7}(?:\s?[A-Z0-9]{1,4})?\b`,
			ContextKeywords: []string{"iban", "account", "bank", "transfer"},
			Validators:      []string{ValidatorIBAN},
			ConfidenceFloor: 0.7,
		},
	}
}

// BuiltinPolicies returns the policies every engine ships with.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			ID:          PolicyPIIProtection,
			Name:        "PII Protection",
			Description: "Blocks transmission of social security numbers and email addresses",
			Severity:    SeverityHigh,
			Action:      ActionBlock,
			DataTypes:   []DataType{DataTypeSSN, DataTypeEmail},
			PatternIDs:  []string{PatternSSN, PatternEmail},
			Scope:       []SourceKind{SourceEmail, "files"},
			Enabled:     true,
		},
		{
			ID:          PolicyFinancialProtection,
			Name:        "Financial Data Protection",
			Description: "Quarantines content carrying payment card numbers",
			Severity:    SeverityCritical,
			Action:      ActionQuarantine,
			DataTypes:   []DataType{DataTypeCreditCard},
			PatternIDs:  []string{PatternCreditCard},
			Scope:       []SourceKind{SourceEmail, "files", SourceDatabase},
			Enabled:     true,
		},
		{
			ID:          PolicyConfidentialProtection,
			Name:        "Confidential Document Protection",
			Description: "Warns when marked documents reach external locations",
			Severity:    SeverityMedium,
			Action:      ActionWarn,
			DataTypes:   []DataType{DataTypeConfidential},
			PatternIDs:  []string{PatternConfidential},
			Conditions: []PolicyCondition{
				{Field: FieldLocation, Operator: OpContains, Value: "external"},
			},
			Scope:   []SourceKind{SourceEmail, "files", SourceDatabase, SourceObjectStorage},
			Enabled: true,
		},
	}
}
