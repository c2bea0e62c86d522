package model

// AccountType classifies bank accounts.
type AccountType string

const (
	AccountTypeChecking AccountType = "checking"
	AccountTypeSavings  AccountType = "savings"
	AccountTypeCredit   AccountType = "credit"
)

// Account is a row in accounts.csv: a bank account owned by one user.
type Account struct {
	ID          string
	UserID      string
	Name        string
	Type        AccountType
	Institution string
	LastFour    string
}
