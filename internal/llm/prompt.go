package llm

// ProductInstructions is the fixed instruction sent with every flyer image.
const ProductInstructions = `You are reading one page or tile of a German supermarket weekly flyer (Prospekt).

Extract every FOOD or DRINK offer that is clearly visible with a price. Ignore household goods,
clothing, electronics, garden articles, toys and any non-food product.

Return ONLY JSON, no prose and no markdown. Use this shape:
{"products": [
  {
    "title": "product name as printed, without the price",
    "brand": "brand if printed, else null",
    "price": 1.99,
    "original_price": 2.49,
    "discount_percent": 20,
    "unit": "500 g",
    "unit_price": "1 kg = 3,98",
    "price_type": "regular | app | member | multi-buy",
    "category": "short German category, e.g. Obst, Molkerei, Getränke",
    "validity_text": "validity text exactly as printed, e.g. 'gültig ab 12.5.' or 'Mo. 12.05. - Sa. 17.05.'"
  }
]}

Rules:
- price and original_price are numbers in euro with a dot as decimal separator.
- Use null for anything not printed. Never guess a price.
- original_price is the crossed-out or "statt"/"UVP" price, only if printed.
- If the page shows no food or drink offer, return null.`
